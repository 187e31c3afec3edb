package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Dm1try555/banister-backend-sub001/errors"
)

const (
	// MaxPendingBatch caps how many pending jobs one poll tick looks at
	MaxPendingBatch = 1000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the job store plus change notification. Every successful
// transition made through the queue is broadcast to subscribers as a fresh
// snapshot of the job.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return NewQueueWithStore(NewStore(db))
}

// NewQueueWithStore creates a queue over an existing store
func NewQueueWithStore(store *Store) *Queue {
	return &Queue{
		store:       store,
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a new pending job
func (q *Queue) Enqueue(ctx context.Context, spec JobSpec, createdBy string) (*Job, error) {
	job, err := q.store.CreateJob(ctx, spec, createdBy)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Kind: %s", spec.Kind))
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns a filtered page of jobs
func (q *Queue) ListJobs(ctx context.Context, f ListFilter) (*JobPage, error) {
	return q.store.ListJobs(ctx, f)
}

// ListPending returns pending jobs, oldest first
func (q *Queue) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.ListByStatus(ctx, JobStatusPending, limit)
}

// Claim moves a pending job to processing
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.TryClaim(ctx, id)
	if ok {
		q.publish(ctx, id)
	}
	return ok, err
}

// SetTotal records the result set size
func (q *Queue) SetTotal(ctx context.Context, id string, total int) error {
	return q.after(ctx, id, q.store.SetTotal(ctx, id, total))
}

// AdvanceProgress commits delta processed records
func (q *Queue) AdvanceProgress(ctx context.Context, id string, delta int) error {
	return q.after(ctx, id, q.store.AdvanceProgress(ctx, id, delta))
}

// CompleteJob finalises a job with its artifact reference
func (q *Queue) CompleteJob(ctx context.Context, id, artifactRef string) error {
	return q.after(ctx, id, q.store.Complete(ctx, id, artifactRef))
}

// FailJob finalises a job with message
func (q *Queue) FailJob(ctx context.Context, id, message string) error {
	return q.after(ctx, id, q.store.Fail(ctx, id, message))
}

// AcknowledgeCancel moves a flagged processing job to cancelled
func (q *Queue) AcknowledgeCancel(ctx context.Context, id string) error {
	return q.after(ctx, id, q.store.MarkCancelled(ctx, id))
}

// CancelJob requests cancellation and returns the status observed afterwards
func (q *Queue) CancelJob(ctx context.Context, id string) (JobStatus, error) {
	status, err := q.store.RequestCancel(ctx, id)
	if err != nil {
		return "", err
	}
	q.publish(ctx, id)
	return status, nil
}

// IsCancelRequested reports whether cancellation was requested
func (q *Queue) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	return q.store.IsCancelRequested(ctx, id)
}

// ListStale returns processing jobs whose heartbeat predates cutoff
func (q *Queue) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return q.store.ListStale(ctx, cutoff, limit)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// Note: Does NOT close the channel - caller should drain and close it
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) hasSubscribers() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers) > 0
}

// after publishes id when err is nil and passes err through
func (q *Queue) after(ctx context.Context, id string, err error) error {
	if err == nil {
		q.publish(ctx, id)
	}
	return err
}

// publish re-reads id and broadcasts it. Skipped without subscribers.
func (q *Queue) publish(ctx context.Context, id string) {
	if !q.hasSubscribers() {
		return
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	q.notifySubscribers(job)
}

// notifySubscribers sends job updates to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}

// QueueStats holds per-status job counts
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// GetStats returns job counts per status
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:    counts[JobStatusPending],
		Processing: counts[JobStatusProcessing],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
		Cancelled:  counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
