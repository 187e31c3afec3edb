package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/cmd/banister/commands"
	"github.com/Dm1try555/banister-backend-sub001/logger"
)

var rootCmd = &cobra.Command{
	Use:   "banister",
	Short: "banister - background CSV exports for the marketplace",
	Long: `banister - background CSV export worker.

Exports of bookings, payments, users and services run as persisted jobs.
A dispatcher runs at most max_inflight jobs at once and polls for pending
work; each job streams its result set page by page into a CSV file.

Available commands:
  worker  - Run the export dispatcher
  export  - Submit, inspect and cancel export jobs
  db      - Manage the banister database
  config  - Inspect and validate configuration
  version - Show build information

Examples:
  banister worker start                          # Run the dispatcher
  banister export submit users_export --wait     # Export users in-process
  banister export ls --status processing         # List running exports
  banister config show --format yaml             # Show effective config`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")

		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if !cmd.Flags().Changed("json-logs") {
			if cfg, err := am.Load(); err == nil {
				jsonLogs = cfg.Log.JSON
			}
		}

		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON (default from log.json)")
	rootCmd.PersistentFlags().String("db", "", "Database path (default from database.path)")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
