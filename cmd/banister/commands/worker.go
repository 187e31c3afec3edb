package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/logger"
	"github.com/Dm1try555/banister-backend-sub001/pulse/async"
	"github.com/Dm1try555/banister-backend-sub001/sym"
)

// WorkerCmd represents the worker command
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Worker + " Run the export dispatcher",
	Long: sym.Worker + ` Export worker - runs submitted export jobs in the background.

The dispatcher:
- Fails jobs orphaned by a previous process on startup
- Runs at most max_inflight exports at once
- Polls for pending exports every poll interval
- Fails running exports on shutdown, removing their partial files

Example:
  banister worker start                    # Start in foreground
  banister worker start --max-inflight 2   # Run at most 2 exports at once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// WorkerStartCmd starts the dispatcher
var WorkerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the export dispatcher",
	Long: `Start the export dispatcher in foreground mode.

Edits to the project banister.toml are picked up while running: poll
interval, orphan timeout, stop timeout and batch limits apply immediately,
max_inflight needs a restart. Runs until interrupted (Ctrl+C).`,
	RunE: runWorkerStart,
}

func init() {
	WorkerStartCmd.Flags().Int("max-inflight", 0, "Maximum concurrent exports (default from dispatcher.max_inflight)")
	WorkerStartCmd.Flags().Duration("poll-interval", 0, "Polling period, whole seconds (default from dispatcher.poll_interval_seconds)")
	WorkerCmd.AddCommand(WorkerStartCmd)
}

// applyWorkerFlags overrides cfg with the flags that were set
func applyWorkerFlags(cmd *cobra.Command, cfg *am.Config) error {
	if cmd.Flags().Changed("max-inflight") {
		cfg.Dispatcher.MaxInflight, _ = cmd.Flags().GetInt("max-inflight")
	}
	if cmd.Flags().Changed("poll-interval") {
		interval, _ := cmd.Flags().GetDuration("poll-interval")
		cfg.Dispatcher.PollIntervalSeconds = int(interval / time.Second)
	}
	return cfg.Validate()
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyWorkerFlags(cmd, cfg); err != nil {
		return err
	}

	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	dispatcher, err := async.NewExportDispatcher(ctx, database, cfg, logger.Logger)
	if err != nil {
		return err
	}

	if project := am.FindProjectConfig(); project != "" {
		watcher, err := am.NewConfigWatcher(project, logger.Logger)
		if err != nil {
			logger.Warnw("Config hot reload disabled", "path", project, logger.FieldError, err)
		} else {
			watcher.OnReload(dispatcher.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	dispatcher.Start()

	pterm.Success.Printfln("%s Export worker started", sym.Worker)
	pterm.Printfln("  Max inflight:  %d", cfg.Dispatcher.MaxInflight)
	pterm.Printfln("  Poll interval: %v", cfg.Dispatcher.PollInterval())
	pterm.Printfln("  Results dir:   %s", cfg.Export.ResultsDir)
	if timeout := cfg.Export.JobTimeout(); timeout > 0 {
		pterm.Printfln("  Job timeout:   %v", timeout)
	}
	pterm.Printfln("\n%s Press Ctrl+C for graceful shutdown\n", sym.Worker)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	pterm.Info.Printfln("%s Shutting down, running exports will be failed", sym.PulseClose)
	dispatcher.Stop()
	cancel()

	pterm.Success.Printfln("%s Export worker stopped", sym.Worker)
	return nil
}
