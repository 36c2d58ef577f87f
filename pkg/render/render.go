// Package render turns the new turns of one emission into a phase Markdown
// file and an _index.md row.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/template"

	"github.com/holon-run/autolog/pkg/transcript"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var phaseTemplate = template.Must(template.ParseFS(templateFS, "templates/phase.md.tmpl"))

const (
	defaultTitle   = "Auto-logged phase"
	maxTitleRunes  = 50
	maxResultRunes = 120
	maxResultLines = 3
)

// Entry describes one emission.
type Entry struct {
	ID           string
	Date         string
	SessionID    string
	TriggerLabel string
	// Turns holds only the new turns being logged.
	Turns []transcript.Turn
}

type phaseView struct {
	ID           string
	Title        string
	Date         string
	Session      string
	Trigger      string
	QuotedPrompt string
	Actions      string
	Results      string
}

// Phase renders the Markdown body of a phase file.
func Phase(e Entry) (string, error) {
	session := e.SessionID
	if strings.TrimSpace(session) == "" {
		session = "unknown"
	}
	view := phaseView{
		ID:           e.ID,
		Title:        Title(e.Turns),
		Date:         e.Date,
		Session:      session,
		Trigger:      e.TriggerLabel,
		QuotedPrompt: quote(firstPrompt(e.Turns)),
		Actions:      Actions(e.Turns),
		Results:      Results(e.Turns),
	}

	var buf bytes.Buffer
	if err := phaseTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to render phase %s: %w", e.ID, err)
	}
	return buf.String(), nil
}

// Title is the first line of the first prompt, shortened to fit a heading.
func Title(turns []transcript.Turn) string {
	if len(turns) == 0 {
		return defaultTitle
	}
	line, _, _ := strings.Cut(turns[0].Prompt, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultTitle
	}
	if r := []rune(line); len(r) > maxTitleRunes {
		line = string(r[:maxTitleRunes-3]) + "..."
	}
	return line
}

// Actions counts tool invocations per tool, in first-use order.
func Actions(turns []transcript.Turn) string {
	var order []string
	counts := make(map[string]int)
	for _, turn := range turns {
		for _, tool := range turn.ToolInvocations {
			if _, seen := counts[tool]; !seen {
				order = append(order, tool)
			}
			counts[tool]++
		}
	}
	if len(order) == 0 {
		return "- (conversation only — no tool usage)"
	}

	lines := make([]string, 0, len(order))
	for _, tool := range order {
		suffix := ""
		if counts[tool] > 1 {
			suffix = "s"
		}
		lines = append(lines, fmt.Sprintf("- %s: %d call%s", tool, counts[tool], suffix))
	}
	return strings.Join(lines, "\n")
}

// Results summarizes the last assistant text of the last turn as up to three
// bullet lines, skipping blank lines and code fences.
func Results(turns []transcript.Turn) string {
	if len(turns) == 0 {
		return "- (no text response recorded)"
	}
	last := turns[len(turns)-1]
	if len(last.AssistantTexts) == 0 {
		return "- (no text response recorded)"
	}

	text := last.AssistantTexts[len(last.AssistantTexts)-1]
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") {
			continue
		}
		if r := []rune(trimmed); len(r) > maxResultRunes {
			trimmed = string(r[:maxResultRunes])
		}
		if !strings.HasPrefix(trimmed, "- ") {
			trimmed = "- " + trimmed
		}
		lines = append(lines, trimmed)
		if len(lines) == maxResultLines {
			break
		}
	}
	if len(lines) == 0 {
		return "- (see transcript for details)"
	}
	return strings.Join(lines, "\n")
}

func firstPrompt(turns []transcript.Turn) string {
	if len(turns) == 0 {
		return "(no prompt recorded)"
	}
	return turns[0].Prompt
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// IndexRow returns the _index.md table row for e, without a newline.
func IndexRow(e Entry) string {
	summary := fmt.Sprintf("Auto-logged (%d turns, %s)", len(e.Turns), e.TriggerLabel)
	return fmt.Sprintf("| %s | %s | done | %s | %s |", e.ID, escapeCell(Title(e.Turns)), e.Date, escapeCell(summary))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// AppendIndexRow appends row to the index at path. Existing content is never
// rewritten; a newline is inserted first when the file lacks a trailing one.
// A missing index is left missing and reported as appended == false.
func AppendIndexRow(path, row string) (appended bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var buf strings.Builder
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString(row)
	buf.WriteByte('\n')

	if _, err := f.WriteString(buf.String()); err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", path, err)
	}
	return true, nil
}

// WritePhase writes a rendered phase to path, refusing to replace an
// existing file.
func WritePhase(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
