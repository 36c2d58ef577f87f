// Package engine runs one autolog decision: it claims the project lock,
// compares the transcript with the stored watermark, applies the trigger
// policy and, when warranted, writes a phase file, an index row and the next
// state record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/autolog/pkg/config"
	"github.com/holon-run/autolog/pkg/fingerprint"
	"github.com/holon-run/autolog/pkg/hook"
	alog "github.com/holon-run/autolog/pkg/log"
	"github.com/holon-run/autolog/pkg/lock"
	"github.com/holon-run/autolog/pkg/policy"
	"github.com/holon-run/autolog/pkg/redact"
	"github.com/holon-run/autolog/pkg/render"
	"github.com/holon-run/autolog/pkg/scope"
	"github.com/holon-run/autolog/pkg/sequence"
	"github.com/holon-run/autolog/pkg/state"
	"github.com/holon-run/autolog/pkg/transcript"
)

// Engine holds the collaborators shared by runs. It has no per-run state.
type Engine struct {
	locks  *lock.Manager
	now    func() time.Time
	logger *zap.SugaredLogger
	config *config.Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockManager replaces the lock manager, e.g. to fake liveness.
func WithLockManager(m *lock.Manager) Option {
	return func(e *Engine) { e.locks = m }
}

// WithClock sets the time source for dates and fallback watermarks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig fixes the configuration instead of reading each project's
// .config file.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.config = &cfg }
}

// New returns an Engine using real processes, the wall clock and the global
// logger unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = lock.NewManager(lock.WithClock(e.now))
	}
	if e.logger == nil {
		e.logger = alog.Get()
	}
	return e
}

// run carries everything one invocation needs.
type run struct {
	payload hook.Payload
	layout  scope.Layout
	config  config.Config
	logger  *zap.SugaredLogger
}

// Run executes one invocation for p. It never panics on bad input and only
// reports Failed when writing the emission's artifacts fails.
func (e *Engine) Run(ctx context.Context, p hook.Payload) Outcome {
	logger := e.logger.With("session", p.SessionID, "event", p.EventName, "stop_hook_active", p.StopHookActive)
	out := e.execute(ctx, p, logger)
	switch out.Kind {
	case Emitted:
		logger.Infow("phase emitted", "phase", out.Phase.String(), "new_turns", out.NewTurns, "path", out.PhasePath)
	case Failed:
		logger.Errorw("run failed", "error", out.Reason)
	default:
		logger.Debugw("run skipped", "reason", out.Reason)
	}
	return out
}

func (e *Engine) execute(ctx context.Context, p hook.Payload, logger *zap.SugaredLogger) Outcome {
	if err := p.Validate(); err != nil {
		return skipped(err)
	}

	r := &run{
		payload: p,
		layout:  scope.Resolve(p.WorkingDir),
		logger:  logger,
	}
	if err := r.layout.Check(); err != nil {
		if errors.Is(err, scope.ErrNotInitialized) {
			return skipped(err)
		}
		return skipped(fmt.Errorf("%w: %w", ErrNotInitialized, err))
	}

	r.config = e.loadConfig(r)
	if !r.config.Enabled {
		return skipped(ErrDisabled)
	}

	held, err := e.locks.Acquire(r.layout.Dir)
	if err != nil {
		return skipped(fmt.Errorf("%w: %w", ErrBusy, err))
	}
	defer func() {
		if err := held.Release(); err != nil {
			logger.Warnw("failed to release lock", "path", held.Path(), "error", err)
		}
	}()

	return e.locked(ctx, r)
}

func (e *Engine) loadConfig(r *run) config.Config {
	if e.config != nil {
		return *e.config
	}
	cfg, err := config.Load(r.layout.ConfigPath())
	if err != nil {
		r.logger.Warnw("using default config", "error", err)
	}
	return cfg
}

// locked runs the steps that require the lock. Every return leaves
// persisted state untouched unless the outcome is Emitted.
func (e *Engine) locked(ctx context.Context, r *run) Outcome {
	prev, err := state.Load(r.layout.Dir)
	if err != nil {
		r.logger.Warnw("state reset to defaults", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return skipped(err)
	}
	current, err := fingerprint.File(r.payload.TranscriptPath)
	if err != nil {
		return skipped(fmt.Errorf("%w: %w", ErrIO, err))
	}
	if current == prev.LastProcessedHash {
		return skipped(ErrUnchanged)
	}

	if err := ctx.Err(); err != nil {
		return skipped(err)
	}
	turns, err := transcript.Collect(transcript.Extract(r.payload.TranscriptPath, prev.LastWatermark.Time))
	if err != nil {
		return skipped(fmt.Errorf("%w: %w", ErrIO, err))
	}
	fresh := transcript.NewOnly(turns)

	if !policy.ShouldEmit(r.payload.EventName, len(fresh), r.config.TurnThreshold) {
		return skipped(fmt.Errorf("%w: %d new, %s needs %d", ErrBelowThreshold, len(fresh),
			policy.Classify(r.payload.EventName), policy.MinTurns(policy.Classify(r.payload.EventName), r.config.TurnThreshold)))
	}
	if err := ctx.Err(); err != nil {
		return skipped(err)
	}

	return e.emit(r, prev, current, fresh)
}

func (e *Engine) emit(r *run, prev state.State, current fingerprint.Fingerprint, fresh []transcript.Turn) Outcome {
	now := e.now()
	id := sequence.Next(r.layout.Dir)
	entry := render.Entry{
		ID:           id.String(),
		Date:         now.UTC().Format("2006-01-02"),
		SessionID:    r.payload.SessionID,
		TriggerLabel: policy.Label(r.payload.EventName, r.payload.CompactionTrigger),
		Turns:        redactTurns(r.config.Redactor(), fresh),
	}

	content, err := render.Phase(entry)
	if err != nil {
		return failed(fmt.Errorf("%w: %w", ErrIO, err))
	}
	phasePath := r.layout.PhasePath(id)
	if err := render.WritePhase(phasePath, content); err != nil {
		return failed(fmt.Errorf("%w: %w", ErrIO, err))
	}
	// Failures past this point remove the phase file.
	if _, err := render.AppendIndexRow(r.layout.IndexPath(), render.IndexRow(entry)); err != nil {
		return failed(discardPhase(r.logger, phasePath, err))
	}

	next := nextState(prev, current, fresh, id, r.payload.EventName, now)
	if err := state.Save(r.layout.Dir, next); err != nil {
		return failed(discardPhase(r.logger, phasePath, err))
	}

	return Outcome{
		Kind:      Emitted,
		Phase:     id,
		PhasePath: phasePath,
		NewTurns:  len(fresh),
		State:     next,
	}
}

// discardPhase removes a phase written by a run that then failed and returns
// the run's failure reason. An index row already appended is left in place.
func discardPhase(logger *zap.SugaredLogger, phasePath string, cause error) error {
	if err := os.Remove(phasePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Errorw("failed to remove phase after failed run", "path", phasePath, "error", err)
		return fmt.Errorf("%w: %w (phase %s left behind: %v)", ErrIO, cause, phasePath, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, cause)
}

// redactTurns masks secrets in the text that reaches the rendered log.
// Redaction runs before rendering so truncated titles cannot expose a
// partial token.
func redactTurns(redactor *redact.Redactor, turns []transcript.Turn) []transcript.Turn {
	if redactor.Mode() == redact.ModeOff {
		return turns
	}
	out := make([]transcript.Turn, len(turns))
	for i, turn := range turns {
		turn.Prompt = redactor.String(turn.Prompt)
		texts := make([]string, len(turn.AssistantTexts))
		for j, text := range turn.AssistantTexts {
			texts[j] = redactor.String(text)
		}
		turn.AssistantTexts = texts
		out[i] = turn
	}
	return out
}

// nextState computes the record written after an emission. fresh is never
// empty here because every policy requires at least one new turn.
func nextState(prev state.State, current fingerprint.Fingerprint, fresh []transcript.Turn, id sequence.ID, event string, now time.Time) state.State {
	watermark := now.UTC()
	if n := len(fresh); n > 0 && !fresh[n-1].Timestamp.IsZero() {
		watermark = fresh[n-1].Timestamp
	}
	return state.State{
		LastProcessedHash:   current,
		LastWatermark:       state.NewWatermark(watermark),
		CumulativeTurnCount: prev.CumulativeTurnCount + len(fresh),
		LastSequenceID:      id.String(),
		LastTriggerKind:     policy.Normalize(event),
	}
}
