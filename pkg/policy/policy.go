// Package policy decides whether enough new activity has accumulated for a
// hook event to produce a log entry. It performs no I/O.
package policy

import (
	"fmt"
	"strings"
)

// DefaultThreshold is the number of new turns a Stop event needs.
const DefaultThreshold = 3

// Kind classifies hook event names.
type Kind int

const (
	// KindOther is any unrecognized event; it follows the Stop rule.
	KindOther Kind = iota
	// KindStop fires when the assistant finishes responding.
	KindStop
	// KindPreCompact fires right before the session history is compacted.
	KindPreCompact
)

func (k Kind) String() string {
	switch k {
	case KindStop:
		return "stop"
	case KindPreCompact:
		return "precompact"
	default:
		return "other"
	}
}

// Normalize lowercases and trims an event name.
func Normalize(event string) string {
	return strings.ToLower(strings.TrimSpace(event))
}

// Classify maps an event name to its Kind, ignoring case.
func Classify(event string) Kind {
	e := Normalize(event)
	switch {
	case e == "stop" || e == "stophook":
		return KindStop
	case strings.Contains(e, "precompact") || strings.Contains(e, "pre_compact"):
		return KindPreCompact
	default:
		return KindOther
	}
}

// MinTurns returns the number of new turns an event of the given kind needs.
// A non-positive threshold is replaced by DefaultThreshold.
func MinTurns(kind Kind, threshold int) int {
	if kind == KindPreCompact {
		// History is about to be truncated upstream; anything unlogged is lost.
		return 1
	}
	if threshold <= 0 {
		return DefaultThreshold
	}
	return threshold
}

// ShouldEmit reports whether event with newTurns new turns warrants a log entry.
func ShouldEmit(event string, newTurns, threshold int) bool {
	return newTurns >= MinTurns(Classify(event), threshold)
}

// Label renders the trigger for humans. trigger is the compaction trigger
// reported with pre-compact events ("manual" or "auto").
func Label(event, trigger string) string {
	switch Classify(event) {
	case KindStop:
		return "Stop (auto)"
	case KindPreCompact:
		if strings.TrimSpace(trigger) == "" {
			trigger = "auto"
		}
		return "PreCompact-" + strings.TrimSpace(trigger)
	default:
		return fmt.Sprintf("%s (auto)", event)
	}
}
