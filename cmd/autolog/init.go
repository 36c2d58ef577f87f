package main

import (
	"fmt"
	"path/filepath"

	"github.com/holon-run/autolog/pkg/policy"
	"github.com/holon-run/autolog/pkg/scope"
	"github.com/spf13/cobra"
)

var (
	initDir       string
	initThreshold int
	initDisabled  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the log directory for a project",
	Long: `Create <dir>/.local/logs with an empty _index.md table and a .config file
that enables auto logging. Files that already exist are left untouched, so the
command is safe to run again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		absDir, err := filepath.Abs(initDir)
		if err != nil {
			return fmt.Errorf("failed to resolve directory: %w", err)
		}
		layout := scope.Resolve(absDir)
		if err := scope.EnsureLayout(layout, scope.InitOptions{
			Enabled:   !initDisabled,
			Threshold: initThreshold,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", layout.Dir)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initDir, "dir", "d", ".", "Project directory")
	initCmd.Flags().IntVar(&initThreshold, "threshold", policy.DefaultThreshold, "New turns required before a Stop event logs")
	initCmd.Flags().BoolVar(&initDisabled, "disabled", false, "Write the config with auto logging turned off")
	rootCmd.AddCommand(initCmd)
}
