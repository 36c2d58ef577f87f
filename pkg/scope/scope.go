// Package scope resolves the per-project log directory and its files.
package scope

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/holon-run/autolog/pkg/lock"
	"github.com/holon-run/autolog/pkg/policy"
	"github.com/holon-run/autolog/pkg/sequence"
	"github.com/holon-run/autolog/pkg/state"
)

const (
	// RelDir is the scope directory relative to a project's working dir.
	RelDir = ".local/logs"

	ConfigFile = ".config"
	IndexFile  = "_index.md"
)

// ErrNotInitialized means the project has no scope directory.
var ErrNotInitialized = errors.New("log directory not initialized")

// Layout names every file autolog touches in one project.
type Layout struct {
	Dir string
}

// Resolve returns the layout for a project working directory.
func Resolve(workingDir string) Layout {
	return Layout{Dir: filepath.Join(workingDir, filepath.FromSlash(RelDir))}
}

func (l Layout) ConfigPath() string { return filepath.Join(l.Dir, ConfigFile) }
func (l Layout) LockPath() string   { return filepath.Join(l.Dir, lock.FileName) }
func (l Layout) StatePath() string  { return state.Path(l.Dir) }
func (l Layout) IndexPath() string  { return filepath.Join(l.Dir, IndexFile) }

// PhasePath returns the artifact path for id.
func (l Layout) PhasePath(id sequence.ID) string {
	return filepath.Join(l.Dir, id.FileName())
}

// Check verifies that the scope directory exists.
func (l Layout) Check() error {
	info, err := os.Stat(l.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotInitialized, l.Dir)
		}
		return fmt.Errorf("failed to stat %s: %w", l.Dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNotInitialized, l.Dir)
	}
	return nil
}

// IndexHeader is the table header written to a fresh _index.md.
const IndexHeader = `# Prompt Log Index

| Phase | Title | Status | Date | Summary |
|-------|-------|--------|------|---------|
`

// InitOptions controls EnsureLayout.
type InitOptions struct {
	Enabled   bool
	Threshold int
}

// EnsureLayout creates the scope directory with an index and a config file.
// Existing files are left untouched.
func EnsureLayout(l Layout, opts InitOptions) error {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.Dir, err)
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = policy.DefaultThreshold
	}
	config := fmt.Sprintf("{\n  \"autoLog\": {\n    \"enabled\": %t,\n    \"turnThreshold\": %d\n  }\n}\n", opts.Enabled, threshold)

	defaultFiles := []struct{ path, content string }{
		{l.IndexPath(), IndexHeader},
		{l.ConfigPath(), config},
	}
	for _, f := range defaultFiles {
		if err := ensureFile(f.path, f.content); err != nil {
			return err
		}
	}
	return nil
}

func ensureFile(path, content string) error {
	if info, err := os.Stat(path); err == nil {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("path exists but is not a regular file: %s", path)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

