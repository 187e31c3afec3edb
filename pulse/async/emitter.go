package async

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Dm1try555/banister-backend-sub001/logger"
)

// WorkerState is where a worker is inside one job run
type WorkerState string

const (
	StateLoaded            WorkerState = "LOADED"
	StateCounted           WorkerState = "COUNTED"
	StatePageFetched       WorkerState = "PAGE_FETCHED"
	StatePageProcessed     WorkerState = "PAGE_PROCESSED"
	StateProgressCommitted WorkerState = "PROGRESS_COMMITTED"
	StateFinalizing        WorkerState = "FINALIZING"
	StateDone              WorkerState = "DONE"
	StateFailed            WorkerState = "FAILED"
	StateCancelled         WorkerState = "CANCELLED"
)

// ProgressEvent is one worker state change
type ProgressEvent struct {
	JobID     string      `json:"job_id"`
	State     WorkerState `json:"state"`
	Page      int         `json:"page,omitempty"`
	PageCount int         `json:"page_count,omitempty"`
	Processed int         `json:"processed"`
	Total     int         `json:"total"`
	Skipped   int         `json:"skipped"`
}

// JobProgressEmitter reports a single job run: state transitions, skipped
// records and skipped pages. It keeps the in-memory counters the worker
// commits page by page.
type JobProgressEmitter struct {
	jobID string
	log   *zap.SugaredLogger // Context-aware logger with job_id pre-configured

	mu           sync.Mutex
	state        WorkerState
	page         int
	pageCount    int
	processed    int
	total        int
	skipped      int
	skippedPages int
	onEvent      func(ProgressEvent)
}

// NewJobProgressEmitter creates a new progress emitter for a job run.
// onEvent may be nil.
func NewJobProgressEmitter(jobID string, baseLogger *zap.SugaredLogger, onEvent func(ProgressEvent)) *JobProgressEmitter {
	return &JobProgressEmitter{
		jobID:   jobID,
		log:     baseLogger.With(logger.FieldJobID, jobID),
		onEvent: onEvent,
	}
}

// EmitState records a state transition
func (e *JobProgressEmitter) EmitState(state WorkerState) {
	e.mu.Lock()
	e.state = state
	ev := e.eventLocked()
	e.mu.Unlock()

	e.log.Debugw("Worker state",
		logger.FieldState, string(state),
		logger.FieldPage, ev.Page,
		logger.FieldProcessed, ev.Processed,
	)
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// EmitTotal records the result set size and page count
func (e *JobProgressEmitter) EmitTotal(total, pageCount int) {
	e.mu.Lock()
	e.total = total
	e.pageCount = pageCount
	e.mu.Unlock()
	e.EmitState(StateCounted)
}

// EmitPage records that page is being worked on
func (e *JobProgressEmitter) EmitPage(page int) {
	e.mu.Lock()
	e.page = page
	e.mu.Unlock()
	e.EmitState(StatePageFetched)
}

// EmitCommitted records delta records as durably counted
func (e *JobProgressEmitter) EmitCommitted(delta int) {
	e.mu.Lock()
	e.processed += delta
	e.mu.Unlock()
	e.EmitState(StateProgressCommitted)
}

// EmitRecordSkipped logs a record excluded from the artifact
func (e *JobProgressEmitter) EmitRecordSkipped(recordID int64, err error) {
	e.mu.Lock()
	e.skipped++
	page := e.page
	e.mu.Unlock()

	ec := ClassifyError("record", err)
	e.log.Warnw("Record skipped",
		logger.FieldRecordID, recordID,
		logger.FieldPage, page,
		logger.FieldErrorCode, string(ec.Code),
		logger.FieldReason, ec.Message,
	)
}

// EmitPageSkipped logs a page that could not be fetched
func (e *JobProgressEmitter) EmitPageSkipped(page int, err error) {
	e.mu.Lock()
	e.skippedPages++
	e.mu.Unlock()

	ec := ClassifyError("fetch", err)
	e.log.Errorw("Page skipped",
		logger.FieldPage, page,
		logger.FieldErrorCode, string(ec.Code),
		logger.FieldError, err,
		"retryable", ec.Retryable,
	)
}

// EmitError logs a fatal error with its classification
func (e *JobProgressEmitter) EmitError(stage string, err error) {
	ec := ClassifyError(stage, err)
	e.log.Errorw("Job error",
		logger.FieldStage, stage,
		logger.FieldErrorCode, string(ec.Code),
		logger.FieldError, err,
		"retryable", ec.Retryable,
		"recoverable", ec.Recoverable,
	)
}

// Snapshot returns the current counters
func (e *JobProgressEmitter) Snapshot() ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eventLocked()
}

// SkippedPages returns how many pages could not be fetched
func (e *JobProgressEmitter) SkippedPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skippedPages
}

func (e *JobProgressEmitter) eventLocked() ProgressEvent {
	return ProgressEvent{
		JobID:     e.jobID,
		State:     e.state,
		Page:      e.page,
		PageCount: e.pageCount,
		Processed: e.processed,
		Total:     e.total,
		Skipped:   e.skipped,
	}
}
