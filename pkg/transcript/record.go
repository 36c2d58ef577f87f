// Package transcript reads Claude Code session transcripts (one JSON record
// per line) and rebuilds the conversational turns they contain.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Record types the extractor cares about. Everything else is ignored.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"

	// UserTypeExternal marks messages typed by the human.
	UserTypeExternal = "external"

	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// Prefixes of user records that echo slash commands rather than prompts.
var commandPrefixes = []string{"<command-name>", "<local-command"}

// Record is one transcript line.
type Record struct {
	Type      string   `json:"type"`
	UserType  string   `json:"userType,omitempty"`
	IsMeta    bool     `json:"isMeta,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Message carries the role and content of a user or assistant record.
// Content is either a JSON string or an array of content blocks.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one element of an array-valued message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// Text returns the content when it is a plain string.
func (m *Message) Text() (string, bool) {
	if m == nil {
		return "", false
	}
	content := bytes.TrimSpace(m.Content)
	if len(content) == 0 || content[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Blocks returns the content blocks when the content is an array. Elements
// that are not objects are dropped.
func (m *Message) Blocks() []ContentBlock {
	if m == nil {
		return nil
	}
	content := bytes.TrimSpace(m.Content)
	if len(content) == 0 || content[0] != '[' {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil
	}
	blocks := make([]ContentBlock, 0, len(raw))
	for _, item := range raw {
		var b ContentBlock
		if err := json.Unmarshal(item, &b); err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// IsHumanTurn reports whether rec opens a new turn: an external, non-meta
// user record whose content is a string that is not a slash command echo.
func IsHumanTurn(rec Record) bool {
	if rec.Type != TypeUser || rec.UserType != UserTypeExternal || rec.IsMeta {
		return false
	}
	text, ok := rec.Message.Text()
	if !ok {
		return false
	}
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(text, prefix) {
			return false
		}
	}
	return true
}

// ParseError reports a transcript line that is not a JSON record.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("transcript line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a per-line parse failure, which
// consumers skip rather than abort on.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Records streams r one line at a time. Each line yields either a record or
// a *ParseError; blank lines are skipped. A read failure is yielded last as
// a plain error. Lines have no length limit.
func Records(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		lineNum := 0
		for {
			line, readErr := br.ReadBytes('\n')
			if len(line) > 0 {
				lineNum++
				line = bytes.TrimSpace(line)
				if len(line) > 0 {
					var rec Record
					if err := json.Unmarshal(line, &rec); err != nil {
						if !yield(Record{}, &ParseError{Line: lineNum, Err: err}) {
							return
						}
					} else if !yield(rec, nil) {
						return
					}
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield(Record{}, fmt.Errorf("failed to read transcript: %w", readErr))
				}
				return
			}
		}
	}
}
