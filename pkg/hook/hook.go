// Package hook decodes the JSON payload Claude Code writes to a hook's stdin.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalid marks a payload that is malformed or lacks required fields.
var ErrInvalid = errors.New("invalid hook payload")

// maxPayloadSize bounds how much stdin is read.
const maxPayloadSize = 1 << 20

// Payload is the subset of hook input autolog uses.
type Payload struct {
	TranscriptPath string `json:"transcript_path"`
	SessionID      string `json:"session_id"`
	WorkingDir     string `json:"cwd"`
	EventName      string `json:"hook_event_name"`
	// CompactionTrigger is "manual" or "auto" on PreCompact events.
	CompactionTrigger string `json:"trigger,omitempty"`
	StopHookActive    bool   `json:"stop_hook_active,omitempty"`
}

// Decode reads and validates a payload.
func Decode(r io.Reader) (Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayloadSize))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: failed to read: %v", ErrInvalid, err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p.TranscriptPath = strings.TrimSpace(p.TranscriptPath)
	p.WorkingDir = strings.TrimSpace(p.WorkingDir)
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Validate checks the fields the engine cannot run without.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.TranscriptPath) == "" {
		return fmt.Errorf("%w: transcript_path is required", ErrInvalid)
	}
	if strings.TrimSpace(p.WorkingDir) == "" {
		return fmt.Errorf("%w: cwd is required", ErrInvalid)
	}
	return nil
}
