package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dm1try555/banister-backend-sub001/errors"
)

// Store persists export jobs. Every state change is a single UPDATE guarded
// by the expected current status, so concurrent callers cannot both win.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	Status    *JobStatus
	Kind      string
	CreatedBy string
	Limit     int
	Offset    int
}

// JobPage is one page of ListJobs
type JobPage struct {
	Jobs   []*Job `json:"jobs"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Default and maximum page sizes for ListJobs
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// CreateJob builds a pending job from spec and inserts it
func (s *Store) CreateJob(ctx context.Context, spec JobSpec, createdBy string) (*Job, error) {
	job, err := NewJob(spec, createdBy)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) insert(ctx context.Context, job *Job) error {
	filtersJSON, err := marshalFilters(job.Filters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO export_jobs (
			id, kind, filters, date_from, date_to, batch_size, status,
			total_records, processed_records, created_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Kind),
		filtersJSON,
		nullTime(job.DateFrom),
		nullTime(job.DateTo),
		job.BatchSize,
		string(job.Status),
		job.CreatedBy,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM export_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewJobNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListByStatus returns up to limit jobs in status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM export_jobs
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", status)
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListJobs returns a page of jobs, newest first, with the total match count
func (s *Store) ListJobs(ctx context.Context, f ListFilter) (*JobPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(f.Offset, 0)

	where := " WHERE 1 = 1"
	var args []interface{}
	if f.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Kind != "" {
		where += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.CreatedBy != "" {
		where += " AND created_by = ?"
		args = append(args, f.CreatedBy)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_jobs`+where, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM export_jobs` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, err
	}

	return &JobPage{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// TryClaim moves a pending job to processing. Returns false when the job is
// no longer pending; exactly one of several concurrent callers gets true.
func (s *Store) TryClaim(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, started_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobStatusProcessing), now, now, now, id, string(JobStatusPending))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read claim result")
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish "lost the race" from "no such job"
	if _, err := s.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetTotal records the result set size of a processing job and refreshes
// its heartbeat, since counting a large result set can take a while
func (s *Store) SetTotal(ctx context.Context, id string, total int) error {
	if total < 0 {
		return errors.AssertionFailedf("negative total %d for job %s", total, id)
	}
	now := s.now()
	return s.transition(ctx, id, "set total", `
		UPDATE export_jobs SET total_records = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		total, now, now, id, string(JobStatusProcessing))
}

// AdvanceProgress adds delta to processed_records. Rejected when the job is
// not processing or when the result would exceed total_records. Also
// refreshes the heartbeat used by orphan recovery.
func (s *Store) AdvanceProgress(ctx context.Context, id string, delta int) error {
	if delta < 0 {
		return errors.AssertionFailedf("negative progress delta %d for job %s", delta, id)
	}
	now := s.now()
	return s.transition(ctx, id, "advance progress", `
		UPDATE export_jobs
		SET processed_records = processed_records + ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND processed_records + ? <= total_records`,
		delta, now, now, id, string(JobStatusProcessing), delta)
}

// Complete finalises a processing job with its artifact reference
func (s *Store) Complete(ctx context.Context, id string, artifactRef string) error {
	now := s.now()
	return s.transition(ctx, id, "complete", `
		UPDATE export_jobs
		SET status = ?, result_artifact_ref = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobStatusCompleted), artifactRef, now, now, id, string(JobStatusProcessing))
}

// Fail finalises a processing job with an error message
func (s *Store) Fail(ctx context.Context, id string, message string) error {
	now := s.now()
	return s.transition(ctx, id, "fail", `
		UPDATE export_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobStatusFailed), message, now, now, id, string(JobStatusProcessing))
}

// MarkCancelled acknowledges a cancellation request on a processing job
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, id, "acknowledge cancel", `
		UPDATE export_jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND cancel_requested = 1`,
		string(JobStatusCancelled), now, now, id, string(JobStatusProcessing))
}

// RequestCancel cancels a pending job outright, flags a processing job for
// its worker and leaves terminal jobs untouched. Returns the status observed
// after the call.
func (s *Store) RequestCancel(ctx context.Context, id string) (JobStatus, error) {
	now := s.now()

	n, err := s.exec(ctx, `
		UPDATE export_jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobStatusCancelled), now, now, id, string(JobStatusPending))
	if err != nil {
		return "", errors.Wrapf(err, "failed to cancel job %s", id)
	}
	if n == 1 {
		return JobStatusCancelled, nil
	}

	n, err = s.exec(ctx, `
		UPDATE export_jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		now, id, string(JobStatusProcessing))
	if err != nil {
		return "", errors.Wrapf(err, "failed to flag job %s for cancellation", id)
	}
	if n == 1 {
		return JobStatusProcessing, nil
	}

	// Terminal already, or gone
	return s.currentStatus(ctx, id)
}

// IsCancelRequested reports whether cancellation was requested for id
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM export_jobs WHERE id = ?`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.NewJobNotFound(id)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read cancel flag for job %s", id)
	}
	return requested, nil
}

// ListStale returns processing jobs whose heartbeat is older than cutoff
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM export_jobs
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(JobStatusProcessing), cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale jobs")
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// transition runs a guarded UPDATE and classifies a miss
func (s *Store) transition(ctx context.Context, id, op, query string, args ...interface{}) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		err = errors.Wrapf(err, "failed to %s", op)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if n == 1 {
		return nil
	}

	status, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewIllegalTransition(id, op, string(status))
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) currentStatus(ctx context.Context, id string) (JobStatus, error) {
	var status JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM export_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewJobNotFound(id)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read status of job %s", id)
	}
	return status, nil
}

// scanJobs scans every row into a job
func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
