package main

import (
	"context"
	"fmt"
	"io"

	"github.com/holon-run/autolog/pkg/engine"
	"github.com/holon-run/autolog/pkg/hook"
	alog "github.com/holon-run/autolog/pkg/log"
	"github.com/spf13/cobra"
)

var hookStrict bool

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle a Stop or PreCompact hook event",
	Long: `Read a Claude Code hook payload from stdin and log the new turns of the
session when the trigger policy allows it.

The command never writes to stdout and exits 0 for every outcome, including
skipped runs and write failures. With --strict, a failed write exits 1.

Example .claude/settings.json entry:
  {"hooks": {"Stop": [{"hooks": [{"type": "command", "command": "autolog hook"}]}]}}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := runHook(cmd.Context(), cmd.InOrStdin(), engine.New())
		if hookStrict && out.Kind == engine.Failed {
			return fmt.Errorf("auto log failed: %w", out.Reason)
		}
		return nil
	},
}

// runHook decodes one payload from in and hands it to e. Decode errors
// become a skipped outcome like any other invalid input.
func runHook(ctx context.Context, in io.Reader, e *engine.Engine) engine.Outcome {
	p, err := hook.Decode(in)
	if err != nil {
		alog.Debug("ignoring hook payload", "error", err)
		return engine.Outcome{Kind: engine.Skipped, Reason: err}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return e.Run(ctx, p)
}

func init() {
	hookCmd.Flags().BoolVar(&hookStrict, "strict", false, "Exit 1 when writing the log fails")
	rootCmd.AddCommand(hookCmd)
}
