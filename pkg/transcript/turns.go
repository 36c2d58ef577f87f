package transcript

import (
	"fmt"
	"iter"
	"os"
	"time"
)

// Turn is one human prompt and the assistant activity that followed it.
type Turn struct {
	Prompt          string
	Timestamp       time.Time
	AssistantTexts  []string
	ToolInvocations []string
	// IsNew is true when Timestamp is after the watermark the extraction
	// started with, or when there was no watermark.
	IsNew bool
}

// Extract returns the turns in the transcript at path. Each iteration opens
// the file afresh, so the sequence can be ranged over more than once.
// Malformed lines are skipped. Open and read failures are yielded as errors
// and end the sequence; a turn still open at end of file is yielded.
func Extract(path string, watermark time.Time) iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Turn{}, fmt.Errorf("failed to open transcript: %w", err))
			return
		}
		defer f.Close()

		var current *Turn
		for rec, err := range Records(f) {
			if err != nil {
				if IsParseError(err) {
					continue
				}
				yield(Turn{}, err)
				return
			}

			switch {
			case IsHumanTurn(rec):
				if current != nil && !yield(*current, nil) {
					return
				}
				current = newTurn(rec, watermark)
			case rec.Type == TypeAssistant && current != nil:
				for _, block := range rec.Message.Blocks() {
					switch block.Type {
					case BlockText:
						current.AssistantTexts = append(current.AssistantTexts, block.Text)
					case BlockToolUse:
						current.ToolInvocations = append(current.ToolInvocations, block.Name)
					}
				}
			}
		}
		if current != nil {
			yield(*current, nil)
		}
	}
}

func newTurn(rec Record, watermark time.Time) *Turn {
	prompt, _ := rec.Message.Text()
	ts := parseTimestamp(rec.Timestamp)
	return &Turn{
		Prompt:    prompt,
		Timestamp: ts,
		IsNew:     watermark.IsZero() || ts.After(watermark),
	}
}

// parseTimestamp returns the zero time for missing or malformed values; such
// turns only count as new when there is no watermark.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Collect drains seq. It stops at the first error.
func Collect(seq iter.Seq2[Turn, error]) ([]Turn, error) {
	var turns []Turn
	for turn, err := range seq {
		if err != nil {
			return turns, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// NewOnly returns the turns marked new, preserving order.
func NewOnly(turns []Turn) []Turn {
	var fresh []Turn
	for _, t := range turns {
		if t.IsNew {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
