package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
	"github.com/Dm1try555/banister-backend-sub001/logger"
	"github.com/Dm1try555/banister-backend-sub001/pulse/async"
	"github.com/Dm1try555/banister-backend-sub001/sym"
)

// ExportCmd represents the export command
var ExportCmd = &cobra.Command{
	Use:   "export",
	Short: sym.Export + " Submit, inspect and cancel export jobs",
	Long: sym.Export + ` Export jobs - background CSV exports.

Kinds:
  bookings_export   bookings with customer, provider and service
  payments_export   payments with the paying user
  users_export      users
  services_export   services with their provider

Examples:
  banister export submit users_export --filter role=customer
  banister export submit payments_export --from 2024-01-01 --to 2024-01-31 --wait
  banister export status <job-id>
  banister export cancel <job-id>
  banister export ls --status failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// ExportSubmitCmd submits an export job
var ExportSubmitCmd = &cobra.Command{
	Use:   "submit <kind>",
	Short: "Submit an export job",
	Long: `Submit an export job. The job is picked up by a running worker.

With --wait the export runs in this process and a progress bar is shown.
Interrupting a waiting export fails the job and removes its partial file.

Dates are YYYY-MM-DD or RFC 3339. A date-only --to covers that whole day.

Examples:
  banister export submit bookings_export --filter status=confirmed
  banister export submit services_export --filter min_price=10 --filter max_price=100
  banister export submit users_export --batch-size 500 --as ops@example.com --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runExportSubmit,
}

// ExportStatusCmd shows one export job
var ExportStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of an export job",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportStatus,
}

// ExportCancelCmd requests cancellation of an export job
var ExportCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an export job",
	Long: `Request cancellation of an export job.

A pending job is cancelled immediately. A processing job stops at its next
page boundary and its partial file is removed. Finished jobs are left as
they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runExportCancel,
}

// ExportLsCmd lists export jobs
var ExportLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List export jobs",
	Long: `List export jobs, newest first.

Examples:
  banister export ls                        # Latest 20 jobs
  banister export ls --status processing    # Running jobs
  banister export ls --kind users_export --limit 50 --offset 50`,
	RunE: runExportLs,
}

// ExportStatsCmd shows job counts per status
var ExportStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show export job counts per status",
	RunE:  runExportStats,
}

func init() {
	ExportSubmitCmd.Flags().StringArray("filter", nil, "Filter as key=value (repeatable)")
	ExportSubmitCmd.Flags().String("from", "", "Only records created at or after this date")
	ExportSubmitCmd.Flags().String("to", "", "Only records created at or before this date")
	ExportSubmitCmd.Flags().Int("batch-size", 0, "Records per page (default from export.default_batch_size)")
	ExportSubmitCmd.Flags().String("as", "", "Principal recorded as the job creator (default $USER)")
	ExportSubmitCmd.Flags().Bool("wait", false, "Run the export in this process and wait for it")

	ExportStatusCmd.Flags().BoolP("json", "j", false, "Output the job as JSON")

	ExportLsCmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	ExportLsCmd.Flags().String("kind", "", "Filter by kind")
	ExportLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	ExportLsCmd.Flags().Int("offset", 0, "Number of jobs to skip")

	ExportCmd.AddCommand(ExportSubmitCmd)
	ExportCmd.AddCommand(ExportStatusCmd)
	ExportCmd.AddCommand(ExportCancelCmd)
	ExportCmd.AddCommand(ExportLsCmd)
	ExportCmd.AddCommand(ExportStatsCmd)
}

// parseFilters turns repeated key=value flags into a filter map. Values stay
// strings; the source grammar coerces them per filter.
func parseFilters(pairs []string) (map[string]any, error) {
	filters := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.NewInvalidJobDefinition("filter %q is not key=value", pair)
		}
		if _, dup := filters[key]; dup {
			return nil, errors.NewInvalidJobDefinition("filter %q given more than once", key)
		}
		filters[key] = strings.TrimSpace(value)
	}
	return filters, nil
}

// parseDate parses YYYY-MM-DD or RFC 3339. With endOfDay a date-only value
// is moved to the last instant of that day.
func parseDate(value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, errors.NewInvalidJobDefinition("date %q is neither YYYY-MM-DD nor RFC 3339", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// specFromFlags builds the submission for kind from the submit flags
func specFromFlags(cmd *cobra.Command, kind string) (async.JobSpec, error) {
	pairs, _ := cmd.Flags().GetStringArray("filter")
	filters, err := parseFilters(pairs)
	if err != nil {
		return async.JobSpec{}, err
	}

	fromFlag, _ := cmd.Flags().GetString("from")
	from, err := parseDate(fromFlag, false)
	if err != nil {
		return async.JobSpec{}, err
	}
	toFlag, _ := cmd.Flags().GetString("to")
	to, err := parseDate(toFlag, true)
	if err != nil {
		return async.JobSpec{}, err
	}

	batchSize, _ := cmd.Flags().GetInt("batch-size")
	if cmd.Flags().Changed("batch-size") && batchSize < 1 {
		return async.JobSpec{}, errors.NewInvalidJobDefinition("batch size must be positive, got %d", batchSize)
	}

	return async.JobSpec{
		Kind:      export.Kind(kind),
		Filters:   filters,
		DateFrom:  from,
		DateTo:    to,
		BatchSize: batchSize,
	}, nil
}

func principal(cmd *cobra.Command) string {
	if as, _ := cmd.Flags().GetString("as"); as != "" {
		return as
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

func runExportSubmit(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var listener func(async.ProgressEvent)
	if wait {
		listener = newProgressBar(spec.Kind).onEvent
	}

	job, err := submitExport(ctx, database, cfg, spec, principal(cmd), wait, listener)
	if err != nil {
		return err
	}

	if !wait {
		pterm.Success.Printfln("%s Submitted %s", sym.Export, job.ID)
		pterm.Printfln("  Track it with: banister export status %s", job.ID)
		return nil
	}
	printJob(job, cfg.Export.ResultsDir)
	if job.Status != async.JobStatusCompleted {
		return errors.Newf("export %s ended %s", job.ID, job.Status)
	}
	return nil
}

// submitExport validates and persists spec. With wait the job runs in this
// process and its final snapshot is returned.
func submitExport(ctx context.Context, database *sql.DB, cfg *am.Config, spec async.JobSpec, createdBy string, wait bool, listener func(async.ProgressEvent)) (*async.Job, error) {
	var opts []async.WorkerOption
	if listener != nil {
		opts = append(opts, async.WithProgressListener(listener))
	}

	d, err := async.NewExportDispatcher(ctx, database, cfg, logger.Logger, opts...)
	if err != nil {
		return nil, err
	}

	// The dispatcher is never started here, so Submit only persists
	id, err := d.Submit(ctx, spec, createdBy)
	if err != nil {
		return nil, err
	}

	if wait {
		if err := d.Worker().Run(ctx, id); err != nil {
			logger.Debugw("Export run returned error", logger.FieldJobID, id, logger.FieldError, err)
		}
	}

	return d.Status(context.WithoutCancel(ctx), id)
}

// progressBar renders worker events as a pterm progress bar
type progressBar struct {
	kind  export.Kind
	bar   *pterm.ProgressbarPrinter
	shown int
}

func newProgressBar(kind export.Kind) *progressBar {
	return &progressBar{kind: kind}
}

func (p *progressBar) onEvent(ev async.ProgressEvent) {
	switch ev.State {
	case async.StateCounted:
		if ev.Total == 0 {
			pterm.Info.Println("No matching records")
			return
		}
		p.bar, _ = pterm.DefaultProgressbar.
			WithTotal(ev.Total).
			WithTitle(fmt.Sprintf("%s %s", sym.Export, p.kind)).
			Start()
	case async.StateProgressCommitted:
		if p.bar != nil && ev.Processed > p.shown {
			p.bar.Add(ev.Processed - p.shown)
			p.shown = ev.Processed
		}
	case async.StateDone, async.StateFailed, async.StateCancelled:
		if p.bar != nil {
			_, _ = p.bar.Stop()
			p.bar = nil
		}
	}
}

func runExportStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := async.NewQueue(database).GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format job")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	printJob(job, cfg.Export.ResultsDir)
	return nil
}

// printJob writes a human-readable job snapshot
func printJob(job *async.Job, resultsDir string) {
	pterm.Printfln("%s Job ID: %s", sym.Export, job.ID)
	pterm.Printfln("  Kind: %s", job.Kind)
	pterm.Printfln("  Status: %s", job.Status)
	pterm.Printfln("  Progress: %d/%d (%.0f%%)",
		job.ProcessedRecords, job.TotalRecords, job.Progress().Percentage())
	pterm.Printfln("  Batch size: %d", job.BatchSize)
	if len(job.Filters) > 0 {
		pterm.Printfln("  Filters: %s", formatFilters(job.Filters))
	}
	if job.DateFrom != nil {
		pterm.Printfln("  From: %s", job.DateFrom.Format(time.RFC3339))
	}
	if job.DateTo != nil {
		pterm.Printfln("  To: %s", job.DateTo.Format(time.RFC3339))
	}
	pterm.Printfln("  Created by: %s", job.CreatedBy)
	pterm.Printfln("  Created: %s", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		pterm.Printfln("  Started: %s", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		pterm.Printfln("  Finished: %s", job.CompletedAt.Format(time.RFC3339))
	}
	if job.CancelRequested && !job.Status.IsTerminal() {
		pterm.Warning.Println("Cancellation requested")
	}
	if job.ResultArtifactRef != nil {
		pterm.Printfln("  File: %s", filepath.Join(resultsDir, *job.ResultArtifactRef))
	}
	if job.ErrorMessage != nil {
		pterm.Error.Printfln("%s", *job.ErrorMessage)
	}
}

// formatFilters renders filters as key=value pairs sorted by key
func formatFilters(filters map[string]any) string {
	pairs := make([]string, 0, len(filters))
	for k, v := range filters {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

func runExportCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	status, err := async.NewQueue(database).CancelJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	switch status {
	case async.JobStatusCancelled:
		pterm.Success.Printfln("%s Cancelled %s", sym.Export, args[0])
	case async.JobStatusProcessing:
		pterm.Info.Printfln("%s Cancellation requested for %s, it stops at the next page", sym.Export, args[0])
	default:
		pterm.Warning.Printfln("%s Job %s already %s", sym.Export, args[0], status)
	}
	return nil
}

// listFilterFromFlags builds a ListFilter from the ls flags
func listFilterFromFlags(cmd *cobra.Command) (async.ListFilter, error) {
	var f async.ListFilter

	if s, _ := cmd.Flags().GetString("status"); s != "" {
		if !async.IsValidStatus(s) {
			return f, errors.Newf("unknown status %q", s)
		}
		status := async.JobStatus(s)
		f.Status = &status
	}
	if k, _ := cmd.Flags().GetString("kind"); k != "" {
		if !export.Kind(k).Valid() {
			return f, errors.WithHintf(errors.Newf("unknown kind %q", k), "accepted kinds: %v", export.Kinds())
		}
		f.Kind = k
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")
	return f, nil
}

func runExportLs(cmd *cobra.Command, args []string) error {
	filter, err := listFilterFromFlags(cmd)
	if err != nil {
		return err
	}

	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	page, err := async.NewQueue(database).ListJobs(cmd.Context(), filter)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(page.Jobs) == 0 {
		pterm.Info.Printfln("%s No jobs found", sym.Export)
		return nil
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(jobTable(page.Jobs)).Render(); err != nil {
		return errors.Wrap(err, "failed to render job table")
	}
	pterm.Printfln("\nShowing %d-%d of %d job(s)", page.Offset+1, page.Offset+len(page.Jobs), page.Total)
	return nil
}

// jobTable lays jobs out as table rows under a header
func jobTable(jobs []*async.Job) pterm.TableData {
	data := pterm.TableData{{"JOB ID", "KIND", "STATUS", "PROGRESS", "CREATED BY", "CREATED"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			string(job.Kind),
			string(job.Status),
			fmt.Sprintf("%d/%d (%.0f%%)", job.ProcessedRecords, job.TotalRecords, job.Progress().Percentage()),
			job.CreatedBy,
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return data
}

func runExportStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewQueue(database).GetStats(cmd.Context())
	if err != nil {
		return err
	}
	return renderStats(stats)
}

func renderStats(stats *async.QueueStats) error {
	data := pterm.TableData{
		{"STATUS", "JOBS"},
		{string(async.JobStatusPending), strconv.Itoa(stats.Pending)},
		{string(async.JobStatusProcessing), strconv.Itoa(stats.Processing)},
		{string(async.JobStatusCompleted), strconv.Itoa(stats.Completed)},
		{string(async.JobStatusFailed), strconv.Itoa(stats.Failed)},
		{string(async.JobStatusCancelled), strconv.Itoa(stats.Cancelled)},
		{"total", strconv.Itoa(stats.Total)},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
