package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/holon-run/autolog/pkg/config"
	"github.com/holon-run/autolog/pkg/fingerprint"
	"github.com/holon-run/autolog/pkg/hook"
	alog "github.com/holon-run/autolog/pkg/log"
	"github.com/holon-run/autolog/pkg/lock"
	"github.com/holon-run/autolog/pkg/scope"
	"github.com/holon-run/autolog/pkg/state"
)

var t0 = time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)

func clock() time.Time { return time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC) }

func ts(n int) time.Time { return t0.Add(time.Duration(n) * time.Minute) }

type project struct {
	t          *testing.T
	workingDir string
	layout     scope.Layout
	transcript string
}

func newProject(t *testing.T, configJSON string) *project {
	t.Helper()
	wd := t.TempDir()
	layout := scope.Resolve(wd)
	if err := os.MkdirAll(layout.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if configJSON != "" {
		if err := os.WriteFile(layout.ConfigPath(), []byte(configJSON), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(layout.IndexPath(), []byte(scope.IndexHeader), 0644); err != nil {
		t.Fatal(err)
	}
	return &project{
		t:          t,
		workingDir: wd,
		layout:     layout,
		transcript: filepath.Join(wd, "session.jsonl"),
	}
}

const enabled = `{"autoLog":{"enabled":true,"turnThreshold":3}}`

// appendTurns adds one human prompt plus an assistant reply per timestamp.
func (p *project) appendTurns(minutes ...int) {
	p.t.Helper()
	f, err := os.OpenFile(p.transcript, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		p.t.Fatal(err)
	}
	defer f.Close()
	for _, m := range minutes {
		user := map[string]any{
			"type":      "user",
			"userType":  "external",
			"timestamp": ts(m).Format(time.RFC3339Nano),
			"message":   map[string]any{"role": "user", "content": fmt.Sprintf("prompt at minute %d", m)},
		}
		assistant := map[string]any{
			"type":      "assistant",
			"timestamp": ts(m).Add(time.Second).Format(time.RFC3339Nano),
			"message": map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": fmt.Sprintf("answer %d", m)},
				map[string]any{"type": "tool_use", "name": "Bash", "input": map[string]any{}},
			}},
		}
		for _, rec := range []any{user, assistant} {
			line, _ := json.Marshal(rec)
			if _, err := f.Write(append(line, '\n')); err != nil {
				p.t.Fatal(err)
			}
		}
	}
}

func (p *project) payload(event string) hook.Payload {
	return hook.Payload{
		TranscriptPath: p.transcript,
		SessionID:      "sess-42",
		WorkingDir:     p.workingDir,
		EventName:      event,
	}
}

func (p *project) phases() []string {
	p.t.Helper()
	matches, err := filepath.Glob(filepath.Join(p.layout.Dir, "phase-*.md"))
	if err != nil {
		p.t.Fatal(err)
	}
	for i := range matches {
		matches[i] = filepath.Base(matches[i])
	}
	return matches
}

func (p *project) stateBytes() []byte {
	data, err := os.ReadFile(p.layout.StatePath())
	if err != nil && !os.IsNotExist(err) {
		p.t.Fatal(err)
	}
	return data
}

func (p *project) assertUnlocked() {
	p.t.Helper()
	if _, err := os.Stat(p.layout.LockPath()); !os.IsNotExist(err) {
		p.t.Errorf("lock file still present after run: %v", err)
	}
}

func newEngine(probe lock.LivenessProbe, opts ...Option) *Engine {
	base := []Option{
		WithClock(clock),
		WithLogger(alog.Nop()),
		WithLockManager(lock.NewManager(lock.WithProbe(probe), lock.WithClock(clock))),
	}
	return New(append(base, opts...)...)
}

var (
	alive = lock.ProbeFunc(func(int) bool { return true })
	dead  = lock.ProbeFunc(func(int) bool { return false })
)

func TestRun_EndToEnd(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3, 4)

	prev := state.Default()
	prev.LastWatermark = state.NewWatermark(ts(1))
	prev.CumulativeTurnCount = 10
	if err := state.Save(p.layout.Dir, prev); err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted {
		t.Fatalf("Run() = %v, want emitted", out)
	}
	if out.NewTurns != 3 || out.Phase.String() != "001" {
		t.Errorf("unexpected outcome: %+v", out)
	}

	st, err := state.Load(p.layout.Dir)
	if err != nil {
		t.Fatal(err)
	}
	wantHash, _ := fingerprint.File(p.transcript)
	if st.LastProcessedHash != wantHash {
		t.Errorf("LastProcessedHash = %s, want %s", st.LastProcessedHash, wantHash)
	}
	if st.CumulativeTurnCount != 13 {
		t.Errorf("CumulativeTurnCount = %d, want 13", st.CumulativeTurnCount)
	}
	if !st.LastWatermark.Equal(ts(4)) {
		t.Errorf("LastWatermark = %v, want %v", st.LastWatermark.Time, ts(4))
	}
	if st.LastSequenceID != "001" || st.LastTriggerKind != "stop" {
		t.Errorf("unexpected state: %+v", st)
	}
	p.assertUnlocked()

	phase, err := os.ReadFile(out.PhasePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range []string{
		"# Phase 001: prompt at minute 2",
		"- **Date**: 2025-06-03",
		"- **Session**: sess-42",
		"- **Trigger**: Stop (auto)",
		"- Bash: 3 calls",
		"- answer 4",
	} {
		if !strings.Contains(string(phase), part) {
			t.Errorf("phase missing %q:\n%s", part, phase)
		}
	}
	if strings.Contains(string(phase), "minute 1") {
		t.Error("phase includes a turn at the watermark")
	}

	index, _ := os.ReadFile(p.layout.IndexPath())
	if !strings.HasSuffix(string(index), "| 001 | prompt at minute 2 | done | 2025-06-03 | Auto-logged (3 turns, Stop (auto)) |\n") {
		t.Errorf("index row not appended:\n%s", index)
	}
}

func TestRun_Idempotent(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	e := newEngine(alive)

	first := e.Run(context.Background(), p.payload("Stop"))
	if first.Kind != Emitted {
		t.Fatalf("first Run() = %v", first)
	}
	before := p.stateBytes()

	second := e.Run(context.Background(), p.payload("PreCompact"))
	if second.Kind != Skipped || !errors.Is(second.Reason, ErrUnchanged) {
		t.Fatalf("second Run() = %v, want skipped unchanged", second)
	}
	if got := p.phases(); len(got) != 1 {
		t.Errorf("phases = %v, want exactly one", got)
	}
	if string(p.stateBytes()) != string(before) {
		t.Error("state changed on an unchanged transcript")
	}
	p.assertUnlocked()
}

func TestRun_ResumesFromWatermark(t *testing.T) {
	p := newProject(t, enabled)
	e := newEngine(alive)

	p.appendTurns(1, 2, 3)
	if out := e.Run(context.Background(), p.payload("Stop")); out.Kind != Emitted {
		t.Fatalf("first Run() = %v", out)
	}

	p.appendTurns(4, 5)
	out := e.Run(context.Background(), p.payload("Stop"))
	if out.Kind != Skipped || !errors.Is(out.Reason, ErrBelowThreshold) {
		t.Fatalf("Run() with 2 new turns = %v, want below threshold", out)
	}

	p.appendTurns(6)
	out = e.Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted || out.NewTurns != 3 || out.Phase.String() != "002" {
		t.Fatalf("Run() = %+v, want phase 002 with 3 turns", out)
	}
	if out.State.CumulativeTurnCount != 6 {
		t.Errorf("CumulativeTurnCount = %d, want 6", out.State.CumulativeTurnCount)
	}
}

func TestRun_ThresholdPolicy(t *testing.T) {
	t.Run("stop below threshold leaves state untouched", func(t *testing.T) {
		p := newProject(t, enabled)
		p.appendTurns(1, 2)

		out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrBelowThreshold) {
			t.Fatalf("Run() = %v, want below threshold", out)
		}
		if p.stateBytes() != nil {
			t.Error("state written on a skipped run")
		}
		if len(p.phases()) != 0 {
			t.Error("phase written on a skipped run")
		}
		p.assertUnlocked()
	})

	t.Run("precompact emits a single turn", func(t *testing.T) {
		p := newProject(t, enabled)
		p.appendTurns(1)

		pl := p.payload("PreCompact")
		pl.CompactionTrigger = "manual"
		out := newEngine(alive).Run(context.Background(), pl)
		if out.Kind != Emitted || out.NewTurns != 1 {
			t.Fatalf("Run() = %v, want emitted", out)
		}
		if out.State.LastTriggerKind != "precompact" {
			t.Errorf("LastTriggerKind = %q", out.State.LastTriggerKind)
		}
		phase, _ := os.ReadFile(out.PhasePath)
		if !strings.Contains(string(phase), "- **Trigger**: PreCompact-manual") {
			t.Errorf("unexpected trigger label:\n%s", phase)
		}
	})

	t.Run("precompact with nothing new", func(t *testing.T) {
		p := newProject(t, enabled)
		p.appendTurns(1, 2, 3)
		e := newEngine(alive)
		if out := e.Run(context.Background(), p.payload("Stop")); out.Kind != Emitted {
			t.Fatalf("Run() = %v", out)
		}
		// Non-turn activity changes the hash without adding turns.
		f, _ := os.OpenFile(p.transcript, os.O_APPEND|os.O_WRONLY, 0644)
		_, _ = f.WriteString(`{"type":"system","subtype":"compact_boundary"}` + "\n")
		f.Close()

		out := e.Run(context.Background(), p.payload("PreCompact"))
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrBelowThreshold) {
			t.Fatalf("Run() = %v, want below threshold", out)
		}
	})

	t.Run("configured threshold", func(t *testing.T) {
		p := newProject(t, `{"autoLog":{"enabled":true,"turnThreshold":1}}`)
		p.appendTurns(1)
		if out := newEngine(alive).Run(context.Background(), p.payload("Stop")); out.Kind != Emitted {
			t.Fatalf("Run() = %v, want emitted", out)
		}
	})
}

func TestRun_Sequencing(t *testing.T) {
	p := newProject(t, enabled)
	for _, name := range []string{"phase-001.md", "phase-002.md", "phase-004.md", "notes.md"} {
		if err := os.WriteFile(filepath.Join(p.layout.Dir, name), []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	p.appendTurns(1, 2, 3)

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted || out.Phase.String() != "005" {
		t.Fatalf("Run() = %v, want phase 005", out)
	}
	if filepath.Base(out.PhasePath) != "phase-005.md" {
		t.Errorf("PhasePath = %s", out.PhasePath)
	}
}

func TestRun_LiveLockSkipsWithoutSideEffects(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)

	holder, err := lock.NewManager(lock.WithPID(777), lock.WithProbe(alive)).Acquire(p.layout.Dir)
	if err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Skipped || !errors.Is(out.Reason, ErrBusy) {
		t.Fatalf("Run() = %v, want busy", out)
	}
	if !errors.Is(out.Reason, lock.ErrHeld) {
		t.Errorf("busy reason should wrap lock.ErrHeld: %v", out.Reason)
	}
	if len(p.phases()) != 0 || p.stateBytes() != nil {
		t.Error("busy run produced side effects")
	}
	owner, err := lock.ReadOwner(p.layout.Dir)
	if err != nil || owner.PID != 777 {
		t.Errorf("busy run disturbed the holder's lock: %+v, %v", owner, err)
	}

	if err := holder.Release(); err != nil {
		t.Fatal(err)
	}
	if out := newEngine(alive).Run(context.Background(), p.payload("Stop")); out.Kind != Emitted {
		t.Fatalf("Run() after release = %v, want emitted", out)
	}
}

func TestRun_StaleLockRecovered(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	if err := os.WriteFile(p.layout.LockPath(), []byte("999999"), 0644); err != nil {
		t.Fatal(err)
	}

	out := newEngine(dead).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted {
		t.Fatalf("Run() = %v, want emitted", out)
	}
	if got := p.phases(); len(got) != 1 {
		t.Errorf("phases = %v, want one", got)
	}
	p.assertUnlocked()
}

func TestRun_ConcurrentInvocationsEmitOnce(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3, 4)

	var mu sync.Mutex
	kinds := map[Kind]int{}
	var wg conc.WaitGroup
	for i := 0; i < 8; i++ {
		pid := 5000 + i
		wg.Go(func() {
			e := New(
				WithClock(clock),
				WithLogger(alog.Nop()),
				WithLockManager(lock.NewManager(lock.WithPID(pid), lock.WithProbe(alive))),
			)
			out := e.Run(context.Background(), p.payload("Stop"))
			if out.Kind == Skipped && !errors.Is(out.Reason, ErrBusy) && !errors.Is(out.Reason, ErrUnchanged) {
				t.Errorf("unexpected skip reason: %v", out.Reason)
			}
			mu.Lock()
			kinds[out.Kind]++
			mu.Unlock()
		})
	}
	wg.Wait()

	if kinds[Emitted] != 1 || kinds[Failed] != 0 {
		t.Errorf("outcomes = %v, want exactly one emission", kinds)
	}
	if got := p.phases(); len(got) != 1 {
		t.Errorf("phases = %v, want one", got)
	}
	p.assertUnlocked()
}

func TestRun_SilentSkips(t *testing.T) {
	t.Run("invalid payload", func(t *testing.T) {
		out := newEngine(alive).Run(context.Background(), hook.Payload{EventName: "Stop"})
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrInputInvalid) {
			t.Errorf("Run() = %v, want input invalid", out)
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		wd := t.TempDir()
		out := newEngine(alive).Run(context.Background(), hook.Payload{
			TranscriptPath: filepath.Join(wd, "t.jsonl"),
			WorkingDir:     wd,
			EventName:      "Stop",
		})
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrNotInitialized) {
			t.Errorf("Run() = %v, want not initialized", out)
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		p := newProject(t, "")
		p.appendTurns(1, 2, 3)
		out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrDisabled) {
			t.Errorf("Run() = %v, want disabled", out)
		}
		p.assertUnlocked()
	})

	t.Run("explicitly disabled", func(t *testing.T) {
		p := newProject(t, `{"autoLog":{"enabled":false}}`)
		p.appendTurns(1, 2, 3)
		out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
		if !errors.Is(out.Reason, ErrDisabled) {
			t.Errorf("Run() = %v, want disabled", out)
		}
	})

	t.Run("missing transcript releases lock", func(t *testing.T) {
		p := newProject(t, enabled)
		out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
		if out.Kind != Skipped || !errors.Is(out.Reason, ErrIO) {
			t.Errorf("Run() = %v, want i/o skip", out)
		}
		if !errors.Is(out.Reason, fingerprint.ErrNotFound) {
			t.Errorf("reason should mention the missing transcript: %v", out.Reason)
		}
		p.assertUnlocked()
	})

	t.Run("canceled context", func(t *testing.T) {
		p := newProject(t, enabled)
		p.appendTurns(1, 2, 3)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := newEngine(alive).Run(ctx, p.payload("Stop"))
		if out.Kind != Skipped || !errors.Is(out.Reason, context.Canceled) {
			t.Errorf("Run() = %v, want canceled skip", out)
		}
		if p.stateBytes() != nil {
			t.Error("state written on a canceled run")
		}
		p.assertUnlocked()
	})
}

func TestRun_CorruptStateIsReset(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	if err := os.WriteFile(p.layout.StatePath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted || out.NewTurns != 3 {
		t.Fatalf("Run() = %v, want emission of all turns", out)
	}
	if out.State.CumulativeTurnCount != 3 {
		t.Errorf("CumulativeTurnCount = %d, want 3", out.State.CumulativeTurnCount)
	}
}

func TestRun_WriteFailureIsReported(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	// A directory squatting on the next phase name makes the write fail.
	if err := os.Mkdir(p.layout.PhasePath(1), 0755); err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Failed || !errors.Is(out.Reason, ErrIO) {
		t.Fatalf("Run() = %v, want failed", out)
	}
	if p.stateBytes() != nil {
		t.Error("state saved after a failed emission")
	}
	p.assertUnlocked()
}

func TestRun_IndexFailureDiscardsPhase(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	if err := os.Remove(p.layout.IndexPath()); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(p.layout.IndexPath(), 0755); err != nil {
		t.Fatal(err)
	}
	e := newEngine(alive)

	out := e.Run(context.Background(), p.payload("Stop"))
	if out.Kind != Failed || !errors.Is(out.Reason, ErrIO) {
		t.Fatalf("Run() = %v, want failed", out)
	}
	if got := p.phases(); len(got) != 0 {
		t.Errorf("phases = %v, want none after a failed run", got)
	}
	if p.stateBytes() != nil {
		t.Error("state saved after a failed run")
	}
	p.assertUnlocked()

	if err := os.Remove(p.layout.IndexPath()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.layout.IndexPath(), []byte(scope.IndexHeader), 0644); err != nil {
		t.Fatal(err)
	}
	out = e.Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted || out.Phase.String() != "001" || out.NewTurns != 3 {
		t.Fatalf("Run() after repair = %v, want phase 001 with 3 turns", out)
	}
	out = e.Run(context.Background(), p.payload("Stop"))
	if !errors.Is(out.Reason, ErrUnchanged) {
		t.Fatalf("third Run() = %v, want unchanged", out)
	}
	if got := p.phases(); len(got) != 1 || got[0] != "phase-001.md" {
		t.Errorf("phases = %v, want only phase-001.md", got)
	}
}

func TestRun_StateFailureDiscardsPhase(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1, 2, 3)
	// A directory at the state path makes the final rename fail.
	if err := os.Mkdir(p.layout.StatePath(), 0755); err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Failed || !errors.Is(out.Reason, ErrIO) {
		t.Fatalf("Run() = %v, want failed", out)
	}
	if got := p.phases(); len(got) != 0 {
		t.Errorf("phases = %v, want none after a failed run", got)
	}
	p.assertUnlocked()
}

func TestRun_FixedConfig(t *testing.T) {
	p := newProject(t, "")
	p.appendTurns(1)

	e := newEngine(alive, WithConfig(config.Config{Enabled: true, TurnThreshold: 1}))
	if out := e.Run(context.Background(), p.payload("Stop")); out.Kind != Emitted {
		t.Fatalf("Run() = %v, want emitted", out)
	}
}

func TestRun_RedactsSecrets(t *testing.T) {
	p := newProject(t, `{"autoLog":{"enabled":true,"turnThreshold":1}}`)
	token := "ghp_" + strings.Repeat("Ab3d", 9)
	line, _ := json.Marshal(map[string]any{
		"type":      "user",
		"userType":  "external",
		"timestamp": ts(1).Format(time.RFC3339Nano),
		"message":   map[string]any{"role": "user", "content": "push with GITHUB_TOKEN=" + token},
	})
	if err := os.WriteFile(p.transcript, append(line, '\n'), 0644); err != nil {
		t.Fatal(err)
	}

	out := newEngine(alive).Run(context.Background(), p.payload("Stop"))
	if out.Kind != Emitted {
		t.Fatalf("Run() = %v, want emitted", out)
	}
	phase, _ := os.ReadFile(out.PhasePath)
	index, _ := os.ReadFile(p.layout.IndexPath())
	for name, data := range map[string][]byte{"phase": phase, "index": index} {
		if strings.Contains(string(data), token) {
			t.Errorf("%s file leaks the token:\n%s", name, data)
		}
		if !strings.Contains(string(data), "GITHUB_TOKEN=***REDACTED***") {
			t.Errorf("%s file missing the masked assignment:\n%s", name, data)
		}
	}
}

func TestRun_LogsHookContext(t *testing.T) {
	p := newProject(t, enabled)
	p.appendTurns(1)
	core, logs := observer.New(zapcore.DebugLevel)

	pl := p.payload("Stop")
	pl.StopHookActive = true
	out := newEngine(alive, WithLogger(zap.New(core).Sugar())).Run(context.Background(), pl)
	if !errors.Is(out.Reason, ErrBelowThreshold) {
		t.Fatalf("Run() = %v, want below threshold", out)
	}

	entries := logs.FilterMessage("run skipped").All()
	if len(entries) != 1 {
		t.Fatalf("got %d skip entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["stop_hook_active"] != true || fields["session"] != "sess-42" {
		t.Errorf("log fields = %v", fields)
	}
}

func TestOutcomeString(t *testing.T) {
	if got := (Outcome{Kind: Emitted, Phase: 3, NewTurns: 4}).String(); got != "emitted phase 003 (4 new turns)" {
		t.Errorf("String() = %q", got)
	}
	if got := skipped(ErrDisabled).String(); got != "skipped: auto logging is disabled" {
		t.Errorf("String() = %q", got)
	}
}
