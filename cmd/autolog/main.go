package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	alog "github.com/holon-run/autolog/pkg/log"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "autolog",
	Short: "Autolog records Claude Code sessions as numbered phase logs.",
	Long: `Autolog is invoked by Claude Code Stop and PreCompact hooks. Each run
compares the session transcript with the last logged state and, when enough
new turns have accumulated, writes the next .local/logs/phase-NNN.md file and
appends a row to .local/logs/_index.md.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		initLogger(cmd)
		return nil
	},
}

// initLogger sets up stderr logging. An unknown level falls back to the
// default instead of failing, since hooks must not break their caller.
func initLogger(cmd *cobra.Command) {
	cfg := alog.ConfigFromEnv(alog.DefaultConfig())
	if cmd.Flags().Changed("log-level") {
		cfg.Level = alog.LogLevel(logLevel)
	}
	cfg.Output = cmd.ErrOrStderr()

	invalid := cfg.Level
	if !alog.ValidLevel(cfg.Level) {
		cfg.Level = alog.DefaultConfig().Level
	}
	_ = alog.Init(cfg)
	if invalid != cfg.Level {
		alog.Warn("unknown log level, using default", "level", string(invalid), "default", string(cfg.Level))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", string(alog.LevelMinimal), "Log level: debug, info, progress, minimal, warn, error")
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer alog.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
