package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/holon-run/autolog/pkg/config"
	"github.com/holon-run/autolog/pkg/lock"
	"github.com/holon-run/autolog/pkg/scope"
	"github.com/holon-run/autolog/pkg/sequence"
	"github.com/holon-run/autolog/pkg/state"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statusDir    string
	statusOutput string
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("cyan"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(14)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("green"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
)

// statusReport is the snapshot printed by `autolog status`.
type statusReport struct {
	Dir         string      `json:"dir" yaml:"dir"`
	Initialized bool        `json:"initialized" yaml:"initialized"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Threshold   int         `json:"turnThreshold" yaml:"turnThreshold"`
	Redact      string      `json:"redact" yaml:"redact"`
	ConfigError string      `json:"configError,omitempty" yaml:"configError,omitempty"`
	LastHash    string      `json:"lastTranscriptHash,omitempty" yaml:"lastTranscriptHash,omitempty"`
	LastLogged  string      `json:"lastLogTimestamp,omitempty" yaml:"lastLogTimestamp,omitempty"`
	TurnCount   int         `json:"lastLogTurnCount" yaml:"lastLogTurnCount"`
	LastPhase   string      `json:"lastPhaseNumber" yaml:"lastPhaseNumber"`
	LastTrigger string      `json:"lastTrigger,omitempty" yaml:"lastTrigger,omitempty"`
	StateError  string      `json:"stateError,omitempty" yaml:"stateError,omitempty"`
	NextPhase   string      `json:"nextPhase" yaml:"nextPhase"`
	Lock        *lockReport `json:"lock,omitempty" yaml:"lock,omitempty"`
}

type lockReport struct {
	PID        int    `json:"pid" yaml:"pid"`
	AcquiredAt string `json:"acquiredAt,omitempty" yaml:"acquiredAt,omitempty"`
	Alive      bool   `json:"alive" yaml:"alive"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the auto log state of a project",
	Long: `Show the configuration, the last recorded state, the current lock holder
and the next phase number for a project's .local/logs directory.

Examples:
  autolog status
  autolog status --dir ./my-project -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		absDir, err := filepath.Abs(statusDir)
		if err != nil {
			return fmt.Errorf("failed to resolve directory: %w", err)
		}
		report := buildStatus(scope.Resolve(absDir), lock.ProcessProbe{})
		return writeStatus(cmd.OutOrStdout(), report, statusOutput)
	},
}

func buildStatus(layout scope.Layout, probe lock.LivenessProbe) statusReport {
	report := statusReport{Dir: layout.Dir}
	if err := layout.Check(); err != nil {
		cfg := config.Default()
		report.Enabled = cfg.Enabled
		report.Threshold = cfg.TurnThreshold
		report.Redact = string(cfg.Redact)
		report.LastPhase = state.Default().LastSequenceID
		report.NextPhase = sequence.First.String()
		return report
	}
	report.Initialized = true

	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		report.ConfigError = err.Error()
	}
	report.Enabled = cfg.Enabled
	report.Threshold = cfg.TurnThreshold
	report.Redact = string(cfg.Redact)

	st, err := state.Load(layout.Dir)
	if err != nil {
		report.StateError = err.Error()
	}
	if !st.LastProcessedHash.IsZero() {
		report.LastHash = st.LastProcessedHash.String()
	}
	if !st.LastWatermark.IsZero() {
		report.LastLogged = st.LastWatermark.UTC().Format(time.RFC3339)
	}
	report.TurnCount = st.CumulativeTurnCount
	report.LastPhase = st.LastSequenceID
	report.LastTrigger = st.LastTriggerKind
	report.NextPhase = sequence.Next(layout.Dir).String()

	owner, err := lock.ReadOwner(layout.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		report.Lock = &lockReport{Error: err.Error()}
	default:
		report.Lock = &lockReport{
			PID:        owner.PID,
			AcquiredAt: owner.AcquiredAt,
			Alive:      probe.IsAlive(owner.PID),
		}
	}
	return report
}

func writeStatus(w io.Writer, report statusReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		_, err := io.WriteString(w, renderStatus(report))
		return err
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func renderStatus(r statusReport) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label), value)
	}

	b.WriteString(headingStyle.Render("autolog "+r.Dir) + "\n")
	if !r.Initialized {
		line("status", warnStyle.Render("not initialized (run `autolog init`)"))
		return b.String()
	}

	if r.Enabled {
		line("enabled", okStyle.Render("yes"))
	} else {
		line("enabled", warnStyle.Render("no"))
	}
	line("threshold", fmt.Sprintf("%d turns", r.Threshold))
	line("redaction", r.Redact)
	if r.ConfigError != "" {
		line("config", warnStyle.Render(r.ConfigError))
	}

	line("last phase", r.LastPhase)
	line("next phase", r.NextPhase)
	line("turns logged", fmt.Sprintf("%d", r.TurnCount))
	if r.LastLogged != "" {
		line("last turn", r.LastLogged)
	}
	if r.LastTrigger != "" {
		line("last trigger", r.LastTrigger)
	}
	if r.StateError != "" {
		line("state", warnStyle.Render(r.StateError))
	}

	switch {
	case r.Lock == nil:
		line("lock", okStyle.Render("free"))
	case r.Lock.Error != "":
		line("lock", warnStyle.Render(r.Lock.Error))
	case r.Lock.Alive:
		held := fmt.Sprintf("held by pid %d", r.Lock.PID)
		if r.Lock.AcquiredAt != "" {
			held += " since " + r.Lock.AcquiredAt
		}
		line("lock", warnStyle.Render(held))
	default:
		line("lock", warnStyle.Render(fmt.Sprintf("stale (pid %d is gone)", r.Lock.PID)))
	}
	return b.String()
}

func init() {
	statusCmd.Flags().StringVarP(&statusDir, "dir", "d", ".", "Project directory")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.AddCommand(statusCmd)
}
