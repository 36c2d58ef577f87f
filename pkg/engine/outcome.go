package engine

import (
	"errors"
	"fmt"

	"github.com/holon-run/autolog/pkg/hook"
	"github.com/holon-run/autolog/pkg/scope"
	"github.com/holon-run/autolog/pkg/sequence"
	"github.com/holon-run/autolog/pkg/state"
)

// Reasons a run ends without emitting. All of them are expected steady-state
// outcomes except ErrIO, which marks a failed write when it appears on a
// Failed outcome.
var (
	ErrInputInvalid   = hook.ErrInvalid
	ErrNotInitialized = scope.ErrNotInitialized
	ErrDisabled       = errors.New("auto logging is disabled")
	ErrBusy           = errors.New("another run holds the lock")
	ErrUnchanged      = errors.New("transcript unchanged since last emission")
	ErrBelowThreshold = errors.New("not enough new turns")
	ErrIO             = errors.New("i/o failure")
)

// Kind tells how a run ended.
type Kind int

const (
	Skipped Kind = iota
	Emitted
	Failed
)

func (k Kind) String() string {
	switch k {
	case Emitted:
		return "emitted"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome is the result of one engine run.
type Outcome struct {
	Kind Kind
	// Reason is set for Skipped and Failed; match it with errors.Is.
	Reason error

	// The fields below are set on Emitted only.
	Phase     sequence.ID
	PhasePath string
	NewTurns  int
	State     state.State
}

func skipped(reason error) Outcome { return Outcome{Kind: Skipped, Reason: reason} }
func failed(reason error) Outcome  { return Outcome{Kind: Failed, Reason: reason} }

func (o Outcome) String() string {
	switch o.Kind {
	case Emitted:
		return fmt.Sprintf("emitted phase %s (%d new turns)", o.Phase, o.NewTurns)
	default:
		return fmt.Sprintf("%s: %v", o.Kind, o.Reason)
	}
}
