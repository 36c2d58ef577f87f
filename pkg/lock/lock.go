// Package lock provides a directory-scoped mutual exclusion token for
// autolog runs. A run claims the token by atomically creating a lock file
// that records the owning process; competing runs probe that process for
// liveness and either back off or recover the stale token.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the lock token's name inside the scope directory.
const FileName = ".autolog.lock"

var (
	// ErrHeld means another live process holds the lock.
	ErrHeld = errors.New("lock held by another process")
	// ErrMalformed means the lock file exists but names no owner.
	ErrMalformed = errors.New("malformed lock file")
)

// Owner is the identity recorded in a lock file.
type Owner struct {
	PID        int    `json:"pid"`
	Token      string `json:"token,omitempty"`
	AcquiredAt string `json:"acquired_at,omitempty"`
}

func (o Owner) sameAs(other Owner) bool {
	return o.PID == other.PID && o.Token == other.Token
}

// Manager claims and recovers lock tokens.
type Manager struct {
	probe LivenessProbe
	pid   int
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbe replaces the process liveness probe.
func WithProbe(p LivenessProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// WithPID sets the process id written into claimed tokens.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// WithClock sets the time source used for acquired_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager that probes real processes and records the
// current process id unless overridden.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		probe: ProcessProbe{},
		pid:   os.Getpid(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock is a held token. Release must be called on every exit path.
type Lock struct {
	path  string
	owner Owner

	mu       sync.Mutex
	released bool
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owner returns the identity written into the lock file.
func (l *Lock) Owner() Owner { return l.owner }

// Acquire claims the lock in dir. When the token already exists and its
// owner is alive, the returned error wraps ErrHeld. A token whose owner is
// gone is removed and the claim is retried exactly once; losing that second
// race also reports ErrHeld. Any other failure is returned as-is and callers
// must treat it as not holding the lock.
func (m *Manager) Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	owner := Owner{
		PID:        m.pid,
		Token:      uuid.NewString(),
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	}

	err := claim(path, owner)
	if err == nil {
		return &Lock{path: path, owner: owner}, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("failed to claim %s: %w", path, err)
	}

	holder, readErr := readOwnerFile(path)
	switch {
	case readErr == nil && m.probe.IsAlive(holder.PID):
		return nil, fmt.Errorf("%w: pid %d", ErrHeld, holder.PID)
	case readErr != nil && !errors.Is(readErr, fs.ErrNotExist) && !errors.Is(readErr, ErrMalformed):
		return nil, fmt.Errorf("failed to inspect %s: %w", path, readErr)
	}

	if !errors.Is(readErr, fs.ErrNotExist) {
		if err := breakStale(path, holder, readErr != nil, owner.Token); err != nil {
			return nil, err
		}
	}

	if err := claim(path, owner); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: reclaimed during stale recovery", ErrHeld)
		}
		return nil, fmt.Errorf("failed to claim %s: %w", path, err)
	}
	return &Lock{path: path, owner: owner}, nil
}

// Release removes the lock file if it still carries this lock's owner
// token. It is idempotent and safe on a nil Lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	current, err := readOwnerFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && !current.sameAs(l.owner) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", l.path, err)
	}
	return nil
}

// ReadOwner returns the owner recorded in dir's lock file. The error wraps
// fs.ErrNotExist when no lock is present.
func ReadOwner(dir string) (Owner, error) {
	return readOwnerFile(filepath.Join(dir, FileName))
}

// claim publishes the owner record at path only if path does not exist.
// The record is written to a temp file first and hard-linked into place so
// readers never observe a half-written token.
func claim(path string, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("failed to marshal lock owner: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".autolog-lock-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	linkErr := os.Link(tmpPath, path)
	if linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	// Filesystems without hard links fall back to exclusive create.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// breakStale moves the stale token aside before deleting it. If the file
// moved turns out to be a fresh claim by a competing run, it is linked back
// and ErrHeld is returned.
func breakStale(path string, stale Owner, staleMalformed bool, token string) error {
	grave := path + ".stale-" + token
	if err := os.Rename(path, grave); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove stale lock %s: %w", path, err)
	}
	defer os.Remove(grave)

	moved, err := readOwnerFile(grave)
	fresh := false
	switch {
	case err == nil:
		fresh = staleMalformed || !moved.sameAs(stale)
	case errors.Is(err, ErrMalformed):
		fresh = !staleMalformed
	}
	if fresh {
		_ = os.Link(grave, path)
		return fmt.Errorf("%w: claimed during stale recovery", ErrHeld)
	}
	return nil
}

// readOwnerFile parses either the JSON owner record or a bare pid, which is
// what older writers stored.
func readOwnerFile(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	content := strings.TrimSpace(string(data))

	var owner Owner
	if strings.HasPrefix(content, "{") {
		if err := json.Unmarshal([]byte(content), &owner); err != nil {
			return Owner{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		pid, err := strconv.Atoi(content)
		if err != nil {
			return Owner{}, fmt.Errorf("%w: %q", ErrMalformed, content)
		}
		owner.PID = pid
	}
	if owner.PID <= 0 {
		return Owner{}, fmt.Errorf("%w: pid %d", ErrMalformed, owner.PID)
	}
	return owner, nil
}
