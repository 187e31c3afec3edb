package async

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
	"github.com/Dm1try555/banister-backend-sub001/export/csv"
	"github.com/Dm1try555/banister-backend-sub001/export/source"
	"github.com/Dm1try555/banister-backend-sub001/logger"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs one recovery
	// pass will fail
	MaxOrphanedJobsToRecover = 1000
)

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	MaxInflight      int           `json:"max_inflight"`       // Concurrent jobs in this process
	PollInterval     time.Duration `json:"poll_interval"`      // How often to look for pending jobs
	OrphanTimeout    time.Duration `json:"orphan_timeout"`     // Heartbeat age that marks a job orphaned, 0 disables
	StopTimeout      time.Duration `json:"stop_timeout"`       // How long Stop waits for workers
	DefaultBatchSize int           `json:"default_batch_size"` // Used when a submission omits batch size
	MaxBatchSize     int           `json:"max_batch_size"`     // Upper bound on accepted batch size
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxInflight:      am.DefaultMaxInflight,
		PollInterval:     am.DefaultPollIntervalSeconds * time.Second,
		OrphanTimeout:    am.DefaultOrphanTimeoutSeconds * time.Second,
		StopTimeout:      am.DefaultStopTimeoutSeconds * time.Second,
		DefaultBatchSize: am.DefaultBatchSize,
		MaxBatchSize:     am.DefaultMaxBatchSize,
	}
}

// DispatcherConfigFrom derives dispatcher settings from loaded configuration
func DispatcherConfigFrom(cfg *am.Config) DispatcherConfig {
	return DispatcherConfig{
		MaxInflight:      cfg.Dispatcher.MaxInflight,
		PollInterval:     cfg.Dispatcher.PollInterval(),
		OrphanTimeout:    cfg.Dispatcher.OrphanTimeout(),
		StopTimeout:      cfg.Dispatcher.StopTimeout(),
		DefaultBatchSize: cfg.Export.DefaultBatchSize,
		MaxBatchSize:     cfg.Export.MaxBatchSize,
	}
}

// Dispatcher accepts submissions and runs pending jobs on at most
// MaxInflight goroutines. Jobs are spawned on submit when capacity allows
// and picked up by a polling loop otherwise. Nothing is spawned until Start.
type Dispatcher struct {
	queue       *Queue
	worker      *Worker
	config      DispatcherConfig
	maxInflight int
	sem         *semaphore.Weighted
	parentCtx   context.Context // Parent context from which worker context is derived
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pollReset   chan time.Duration
	logger      pulseLogger

	mu      sync.Mutex
	started bool
	running map[string]struct{} // job ids executing in this process
}

// NewDispatcher creates a dispatcher over queue using worker to run jobs
func NewDispatcher(ctx context.Context, queue *Queue, worker *Worker, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = def.MaxInflight
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.DefaultBatchSize < 1 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		queue:       queue,
		worker:      worker,
		config:      cfg,
		maxInflight: cfg.MaxInflight,
		sem:         semaphore.NewWeighted(int64(cfg.MaxInflight)),
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		pollReset:   make(chan time.Duration, 1),
		logger:      newPulseLogger(log),
		running:     make(map[string]struct{}),
	}
}

// NewExportDispatcher wires the SQLite source provider, the CSV exporter and
// the default record hooks into a dispatcher configured from cfg
func NewExportDispatcher(ctx context.Context, db *sql.DB, cfg *am.Config, log *zap.SugaredLogger, opts ...WorkerOption) (*Dispatcher, error) {
	if err := os.MkdirAll(cfg.Export.ResultsDir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create results dir %s", cfg.Export.ResultsDir)
	}

	queue := NewQueue(db)
	provider := source.NewProvider(db, source.WithPagesPerSecond(cfg.Export.PagesPerSecond))
	opts = append([]WorkerOption{WithJobTimeout(cfg.Export.JobTimeout())}, opts...)
	worker := NewWorker(queue, provider, csv.NewRenderer(), csv.NewStore(cfg.Export.ResultsDir), log, opts...)

	return NewDispatcher(ctx, queue, worker, DispatcherConfigFrom(cfg), log), nil
}

// Submit validates spec, persists a pending job and schedules it.
// Validation failures wrap errors.ErrInvalidJobDefinition and create nothing.
func (d *Dispatcher) Submit(ctx context.Context, spec JobSpec, createdBy string) (string, error) {
	spec, err := d.normalise(spec)
	if err != nil {
		return "", err
	}

	job, err := d.queue.Enqueue(ctx, spec, createdBy)
	if err != nil {
		return "", err
	}

	d.logger.Pulse("Export submitted",
		logger.FieldJobID, job.ID,
		logger.FieldKind, job.Kind,
		logger.FieldCreatedBy, job.CreatedBy,
	)

	d.trySpawn(job.ID)
	return job.ID, nil
}

// settings returns a copy of the hot-reloadable configuration
func (d *Dispatcher) settings() DispatcherConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// normalise applies the default batch size and checks spec
func (d *Dispatcher) normalise(spec JobSpec) (JobSpec, error) {
	cfg := d.settings()

	if !spec.Kind.Valid() {
		err := errors.NewInvalidJobDefinition("unknown kind %q", spec.Kind)
		return spec, errors.WithHintf(err, "accepted kinds: %v", export.Kinds())
	}

	if spec.BatchSize == 0 {
		spec.BatchSize = cfg.DefaultBatchSize
	}
	if spec.BatchSize < 1 || spec.BatchSize > cfg.MaxBatchSize {
		return spec, errors.NewInvalidJobDefinition("batch size %d out of range [1, %d]",
			spec.BatchSize, cfg.MaxBatchSize)
	}

	if spec.DateFrom != nil && spec.DateTo != nil && spec.DateFrom.After(*spec.DateTo) {
		return spec, errors.NewInvalidJobDefinition("dateFrom %s is after dateTo %s",
			spec.DateFrom.Format(time.RFC3339), spec.DateTo.Format(time.RFC3339))
	}

	filters, err := source.Validate(spec.Kind, spec.Filters)
	if err != nil {
		return spec, err
	}
	spec.Filters = filters
	return spec, nil
}

// Status returns the current job snapshot
func (d *Dispatcher) Status(ctx context.Context, id string) (*Job, error) {
	return d.queue.GetJob(ctx, id)
}

// Cancel requests cancellation. Terminal jobs are left as they are and
// their status is returned without error.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (JobStatus, error) {
	status, err := d.queue.CancelJob(ctx, id)
	if err != nil {
		return "", err
	}
	d.logger.Pulse("Cancel requested", logger.FieldJobID, id, logger.FieldStatus, status)
	return status, nil
}

// ListJobs returns a filtered page of jobs
func (d *Dispatcher) ListJobs(ctx context.Context, f ListFilter) (*JobPage, error) {
	return d.queue.ListJobs(ctx, f)
}

// Subscribe returns a channel of job snapshots taken after each transition
func (d *Dispatcher) Subscribe() chan *Job {
	return d.queue.Subscribe()
}

// Unsubscribe stops delivery to ch
func (d *Dispatcher) Unsubscribe(ch chan *Job) {
	d.queue.Unsubscribe(ch)
}

// Queue returns the job queue
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Worker returns the worker jobs run on. Callers may run a submitted job on
// it directly instead of waiting for Start.
func (d *Dispatcher) Worker() *Worker {
	return d.worker
}

// Active returns how many jobs are executing in this process
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Start begins spawning jobs and runs the polling loop
// ✿ Opening: Recover orphaned jobs before picking up pending work
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}

	// Check if context was cancelled (after Stop()) - if so, create new one
	select {
	case <-d.ctx.Done():
		d.ctx, d.cancel = context.WithCancel(d.parentCtx)
		d.logger.Starting("Recreated dispatcher context after previous shutdown")
	default:
	}
	d.started = true
	ctx := d.ctx
	interval := d.config.PollInterval
	d.mu.Unlock()

	if n, err := d.RecoverOrphans(ctx); err != nil {
		d.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		d.logger.Starting("Failed orphaned jobs from a previous process", "count", n)
	}

	if warning := d.checkMemoryPressure(); warning != "" {
		d.logger.Warnw("Memory pressure warning", "warning", warning, "max_inflight", d.maxInflight)
	}

	d.logger.Starting("Dispatcher started",
		"max_inflight", d.maxInflight,
		"poll_interval", interval,
	)

	d.wg.Add(1)
	go d.pollLoop(ctx)
}

// Stop cancels running jobs and waits for their workers to exit
// ❀ Closing: Workers fail their jobs at the next page boundary
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.started = false
	d.cancel()
	timeout := d.config.StopTimeout
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Pulse("❀ Dispatcher.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		d.logger.Closing("Dispatcher.Stop() timeout - workers may still be finishing", "timeout", timeout)
	}
}

// SetPollInterval changes the polling period of a running dispatcher
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.config.PollInterval = interval
	d.mu.Unlock()

	select {
	case d.pollReset <- interval:
	default:
		// A reset is already pending; the loop reads config on the next one
	}
}

// ApplyConfig takes the settings that can change without a restart
func (d *Dispatcher) ApplyConfig(cfg *am.Config) error {
	next := DispatcherConfigFrom(cfg)

	d.mu.Lock()
	d.config.OrphanTimeout = next.OrphanTimeout
	d.config.StopTimeout = next.StopTimeout
	d.config.DefaultBatchSize = next.DefaultBatchSize
	d.config.MaxBatchSize = next.MaxBatchSize
	d.mu.Unlock()

	d.SetPollInterval(next.PollInterval)

	if next.MaxInflight != d.maxInflight {
		d.logger.Warnw("max_inflight change requires a restart",
			"current", d.maxInflight,
			"configured", next.MaxInflight,
		)
	}
	return nil
}

// pollLoop picks up pending jobs every PollInterval
func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	d.mu.Lock()
	interval := d.config.PollInterval
	d.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Pending jobs from before Start are picked up right away
	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-d.pollReset:
			ticker.Reset(next)
			d.logger.Pulse("Poll interval changed", "poll_interval", next)
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	if _, err := d.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warnw("Orphan recovery failed", logger.FieldError, err)
	}
	if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
		d.logger.Errorw("Poll failed", logger.FieldError, err)
	}
}

// Poll spawns pending jobs, oldest first, while capacity remains.
// Returns how many were spawned.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	if d.Active() >= d.maxInflight {
		return 0, nil
	}

	pending, err := d.queue.ListPending(ctx, MaxPendingBatch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending jobs")
	}

	spawned := 0
	for _, job := range pending {
		if d.Active() >= d.maxInflight {
			break
		}
		if d.trySpawn(job.ID) {
			spawned++
		}
	}
	return spawned, nil
}

// RecoverOrphans fails processing jobs whose heartbeat is older than
// OrphanTimeout. Jobs running in this process are left alone.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) (int, error) {
	d.mu.Lock()
	timeout := d.config.OrphanTimeout
	d.mu.Unlock()
	if timeout <= 0 {
		return 0, nil
	}

	stale, err := d.queue.ListStale(ctx, time.Now().UTC().Add(-timeout), MaxOrphanedJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale jobs")
	}

	recovered := 0
	for _, job := range stale {
		if d.isRunning(job.ID) {
			continue
		}
		if err := d.queue.FailJob(ctx, job.ID, MessageOrphaned); err != nil {
			// Lost a race with the owning worker finishing it
			if errors.Is(err, errors.ErrIllegalStateTransition) {
				continue
			}
			return recovered, err
		}
		recovered++
		d.logger.Starting("Failed orphaned job", logger.FieldJobID, job.ID, logger.FieldKind, job.Kind)
	}
	return recovered, nil
}

func (d *Dispatcher) isRunning(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

// trySpawn runs id on a new goroutine when started, not already running
// here and under capacity
func (d *Dispatcher) trySpawn(id string) bool {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.running[id]; ok {
		d.mu.Unlock()
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.mu.Unlock()
		return false
	}
	d.running[id] = struct{}{}
	d.wg.Add(1)
	ctx := d.ctx
	d.mu.Unlock()

	go d.run(ctx, id)
	return true
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	defer func() {
		d.mu.Lock()
		delete(d.running, id)
		d.mu.Unlock()
		d.sem.Release(1)
		d.wg.Done()
	}()

	ctx = logger.WithJobID(ctx, id)
	if err := d.worker.Run(ctx, id); err != nil {
		ec := ClassifyError("run", err)
		d.logger.Errorw("Export job ended with error",
			append(logger.FieldsFromContext(ctx),
				logger.FieldErrorCode, string(ec.Code),
				logger.FieldError, err,
			)...,
		)
	}
}
