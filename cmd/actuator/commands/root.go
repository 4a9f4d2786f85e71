package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "actuator",
		Short: "Actuator - resilient operation execution engine",
		Long: `Actuator applies action plans proposed by analysis agents to an external
advertising platform: safely, idempotently and with a full audit trail.

Features:
  - Per-tenant policy rules evaluated with OPA/Rego
  - Idempotent replays from a TTL ledger (SQL or Badger)
  - Retries with exponential backoff behind per-integration breakers
  - Human approval queue for risky operations
  - Automatic compensation when a plan fails part way`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./actuator.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newSweepCommand())

	return rootCmd
}
