// Package state persists the autolog dedup watermark: the fingerprint of the
// transcript at the last emission, the timestamp of the last logged turn, the
// running turn count and the last phase id. The record is small and always
// rewritten whole.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/holon-run/autolog/pkg/fingerprint"
)

// FileName is the state record's name inside the scope directory.
const FileName = "last-log-state.json"

// ErrCorrupt marks a state file that exists but cannot be used.
var ErrCorrupt = errors.New("corrupt state file")

// State is the persisted engine record. JSON names are shared with earlier
// writers of the same file so existing projects resume where they stopped.
type State struct {
	LastProcessedHash   fingerprint.Fingerprint `json:"lastTranscriptHash"`
	LastWatermark       Watermark               `json:"lastLogTimestamp"`
	CumulativeTurnCount int                     `json:"lastLogTurnCount"`
	LastSequenceID      string                  `json:"lastPhaseNumber"`
	LastTriggerKind     string                  `json:"lastTrigger,omitempty"`
}

// Default returns the state of a project that has never been logged.
func Default() State {
	return State{LastSequenceID: "000"}
}

// Path returns the state file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads the state in dir. A missing file yields Default() and no error.
// An unreadable or unparsable file also yields Default(), together with an
// error describing why, so callers can report it and carry on.
func Load(dir string) (State, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("failed to read %s: %w", path, err)
	}

	st := Default()
	if err := json.Unmarshal(data, &st); err != nil {
		return Default(), fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if st.CumulativeTurnCount < 0 {
		return Default(), fmt.Errorf("%w: %s: negative turn count %d", ErrCorrupt, path, st.CumulativeTurnCount)
	}
	if st.LastSequenceID == "" {
		st.LastSequenceID = Default().LastSequenceID
	}
	return st, nil
}

// Save atomically replaces the state file in dir.
func Save(dir string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	statePath := Path(dir)
	tmp, err := os.CreateTemp(dir, ".last-log-state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, statePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
