package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
	"github.com/Dm1try555/banister-backend-sub001/internal/util"
	"github.com/Dm1try555/banister-backend-sub001/logger"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

func newPulseLogger(l *zap.SugaredLogger) pulseLogger {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return pulseLogger{logger.AddPulseSymbol(l.Named("pulse"))}
}

// RecordSource builds the result set for one job
type RecordSource interface {
	Build(ctx context.Context, kind export.Kind, filters map[string]any, from, to *time.Time) (export.ResultSet, error)
}

// RowRenderer turns records into CSV rows
type RowRenderer interface {
	Header(kind export.Kind) []string
	Row(kind export.Kind, rec export.Record) ([]string, error)
}

// ArtifactSink opens in-progress artifacts
type ArtifactSink interface {
	Open(kind export.Kind, jobID string, at time.Time, header []string) (export.Artifact, error)
}

// Worker drives one job from pending to a terminal status. A Worker holds no
// per-job state and may run several jobs concurrently.
type Worker struct {
	queue      *Queue
	source     RecordSource
	renderer   RowRenderer
	sink       ArtifactSink
	hooks      *HookRegistry
	jobTimeout time.Duration
	onEvent    func(ProgressEvent)
	logger     pulseLogger
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithJobTimeout fails jobs still running d after their claim. Zero disables.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.jobTimeout = d }
}

// WithHooks replaces the default record hooks
func WithHooks(hooks *HookRegistry) WorkerOption {
	return func(w *Worker) { w.hooks = hooks }
}

// WithProgressListener receives every worker state change
func WithProgressListener(fn func(ProgressEvent)) WorkerOption {
	return func(w *Worker) { w.onEvent = fn }
}

// NewWorker creates a worker. Hooks default to DefaultHooks.
func NewWorker(queue *Queue, source RecordSource, renderer RowRenderer, sink ArtifactSink, log *zap.SugaredLogger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    queue,
		source:   source,
		renderer: renderer,
		sink:     sink,
		hooks:    DefaultHooks(),
		logger:   newPulseLogger(log),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims jobID and executes it. Returns nil when another worker owns
// the job, when it completes and when it is cancelled. A failed job returns
// an error marked with errors.ErrFatalWorker.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	claimed, err := w.queue.Claim(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to claim job %s", jobID)
	}
	if !claimed {
		w.logger.Debugw("Job already claimed", logger.FieldJobID, jobID)
		return nil
	}

	em := NewJobProgressEmitter(jobID, w.logger.SugaredLogger, w.onEvent)

	job, err := w.queue.GetJob(ctx, jobID)
	if err != nil {
		return w.abort(ctx, jobID, em, nil, "load", err)
	}

	w.logger.Starting("Export started",
		logger.FieldJobID, job.ID,
		logger.FieldKind, job.Kind,
		logger.FieldBatchSize, job.BatchSize,
		logger.FieldCreatedBy, job.CreatedBy,
	)

	return w.execute(ctx, job, em)
}

func (w *Worker) execute(ctx context.Context, job *Job, em *JobProgressEmitter) (err error) {
	start := time.Now()
	claimedAt := start.UTC()
	if job.StartedAt != nil {
		claimedAt = *job.StartedAt
	}

	runCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, claimedAt.Add(w.jobTimeout))
		defer cancel()
	}

	var artifact export.Artifact
	defer func() {
		if p := recover(); p != nil {
			err = w.abort(ctx, job.ID, em, artifact, "run", errors.AssertionFailedf("worker panicked: %v", p))
		}
	}()

	em.EmitState(StateLoaded)

	rs, err := w.source.Build(runCtx, job.Kind, job.Filters, job.DateFrom, job.DateTo)
	if err != nil {
		return w.abort(ctx, job.ID, em, nil, "build", err)
	}

	total, err := rs.Count(runCtx)
	if err != nil {
		return w.abort(ctx, job.ID, em, nil, "count", err)
	}
	if err := w.queue.SetTotal(runCtx, job.ID, total); err != nil {
		return w.abort(ctx, job.ID, em, nil, "count", err)
	}
	pageCount := util.CeilDiv(total, job.BatchSize)
	em.EmitTotal(total, pageCount)

	artifact, err = w.sink.Open(job.Kind, job.ID, claimedAt, w.renderer.Header(job.Kind))
	if err != nil {
		return w.abort(ctx, job.ID, em, nil, "open", err)
	}

	for page := 1; page <= pageCount; page++ {
		if stop, err := w.checkpoint(ctx, runCtx, job.ID, em, artifact); stop {
			return err
		}

		records, err := rs.Page(runCtx, page, job.BatchSize)
		if err != nil {
			if runCtx.Err() != nil {
				return w.abort(ctx, job.ID, em, artifact, "fetch", runCtx.Err())
			}
			em.EmitPageSkipped(page, errors.Mark(err, errors.ErrBatchFetch))
			// A run of skipped pages must still look alive to orphan recovery
			if err := w.queue.AdvanceProgress(runCtx, job.ID, 0); err != nil {
				if runCtx.Err() != nil {
					err = runCtx.Err()
				}
				return w.abort(ctx, job.ID, em, artifact, "progress", err)
			}
			continue
		}
		em.EmitPage(page)

		rows := w.processPage(job.Kind, records, em)
		em.EmitState(StatePageProcessed)

		if err := artifact.Append(rows); err != nil {
			return w.abort(ctx, job.ID, em, artifact, "append", err)
		}
		if err := w.queue.AdvanceProgress(runCtx, job.ID, len(rows)); err != nil {
			if runCtx.Err() != nil {
				err = runCtx.Err()
			}
			return w.abort(ctx, job.ID, em, artifact, "progress", err)
		}
		em.EmitCommitted(len(rows))
	}

	if stop, err := w.checkpoint(ctx, runCtx, job.ID, em, artifact); stop {
		return err
	}

	em.EmitState(StateFinalizing)
	ref, err := artifact.Publish()
	if err != nil {
		return w.abort(ctx, job.ID, em, artifact, "publish", err)
	}
	if err := w.queue.CompleteJob(context.WithoutCancel(ctx), job.ID, ref); err != nil {
		// The published file is orphaned; the job row never points at it
		return w.abort(ctx, job.ID, em, nil, "complete", err)
	}
	em.EmitState(StateDone)

	snap := em.Snapshot()
	w.logger.Pulse("Export completed",
		logger.FieldJobID, job.ID,
		logger.FieldKind, job.Kind,
		logger.FieldTotal, snap.Total,
		logger.FieldProcessed, snap.Processed,
		logger.FieldSkipped, snap.Skipped,
		logger.FieldArtifact, ref,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return nil
}

// checkpoint runs at every page boundary. It stops the run when the
// context is done or cancellation was requested.
func (w *Worker) checkpoint(ctx, runCtx context.Context, jobID string, em *JobProgressEmitter, artifact export.Artifact) (bool, error) {
	if err := runCtx.Err(); err != nil {
		return true, w.abort(ctx, jobID, em, artifact, "checkpoint", err)
	}

	requested, err := w.queue.IsCancelRequested(runCtx, jobID)
	if err != nil {
		return true, w.abort(ctx, jobID, em, artifact, "checkpoint", err)
	}
	if !requested {
		return false, nil
	}

	em.EmitState(StateCancelled)
	discard(artifact, em)
	if err := w.queue.AcknowledgeCancel(context.WithoutCancel(ctx), jobID); err != nil {
		em.EmitError("cancel", err)
		return true, errors.Wrapf(err, "failed to acknowledge cancel of job %s", jobID)
	}

	snap := em.Snapshot()
	w.logger.Closing("Export cancelled",
		logger.FieldJobID, jobID,
		logger.FieldPage, snap.Page,
		logger.FieldProcessed, snap.Processed,
	)
	return true, nil
}

// processPage runs hooks and renders records. Rejected and unrenderable
// records are skipped.
func (w *Worker) processPage(kind export.Kind, records []export.Record, em *JobProgressEmitter) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if err := w.hooks.Check(kind, rec); err != nil {
			em.EmitRecordSkipped(rec.ID, err)
			continue
		}
		row, err := w.renderer.Row(kind, rec)
		if err != nil {
			em.EmitRecordSkipped(rec.ID, errors.Mark(err, errors.ErrRecordSkipped))
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// abort fails the job, discards the partial artifact and returns cause
// marked fatal. Runs its writes detached from ctx cancellation so a
// shutdown still leaves a terminal row.
func (w *Worker) abort(ctx context.Context, jobID string, em *JobProgressEmitter, artifact export.Artifact, stage string, cause error) error {
	em.EmitError(stage, cause)
	em.EmitState(StateFailed)
	discard(artifact, em)

	msg := failureMessage(cause)
	if err := w.queue.FailJob(context.WithoutCancel(ctx), jobID, msg); err != nil {
		w.logger.Errorw("Failed to record job failure",
			logger.FieldJobID, jobID,
			logger.FieldError, err,
		)
	} else {
		w.logger.Closing("Export failed",
			logger.FieldJobID, jobID,
			logger.FieldStage, stage,
			logger.FieldReason, msg,
		)
	}

	err := errors.Wrapf(cause, "job %s failed at %s", jobID, stage)
	return errors.Mark(err, errors.ErrFatalWorker)
}

func discard(artifact export.Artifact, em *JobProgressEmitter) {
	if artifact == nil {
		return
	}
	if err := artifact.Discard(); err != nil {
		em.log.Warnw("Failed to discard partial artifact", logger.FieldError, err)
	}
}
