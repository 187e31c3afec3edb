// Package async runs export jobs in the background: the persisted job
// model, its compare-and-swap repository, the worker that drives a single
// job to a terminal state and the dispatcher that bounds how many run.
package async

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether s -> next is a legal move:
// pending -> processing | cancelled, processing -> completed | failed | cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCancelled
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	default:
		return false
	}
}

// Progress represents job progress information
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// JobSpec is what a caller submits
type JobSpec struct {
	Kind      export.Kind    `json:"kind"`
	Filters   map[string]any `json:"filters,omitempty"`
	DateFrom  *time.Time     `json:"date_from,omitempty"`
	DateTo    *time.Time     `json:"date_to,omitempty"`
	BatchSize int            `json:"batch_size,omitempty"` // 0 = configured default
}

// Job is a persisted export job
type Job struct {
	ID                string         `json:"id"`
	Kind              export.Kind    `json:"kind"`
	Filters           map[string]any `json:"filters"`
	DateFrom          *time.Time     `json:"date_from,omitempty"`
	DateTo            *time.Time     `json:"date_to,omitempty"`
	BatchSize         int            `json:"batch_size"`
	Status            JobStatus      `json:"status"`
	TotalRecords      int            `json:"total_records"`
	ProcessedRecords  int            `json:"processed_records"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ResultArtifactRef *string        `json:"result_artifact_ref"`
	ErrorMessage      *string        `json:"error_message"`
	CancelRequested   bool           `json:"cancel_requested,omitempty"`
	HeartbeatAt       *time.Time     `json:"-"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewJob creates a pending job from a validated spec
func NewJob(spec JobSpec, createdBy string) (*Job, error) {
	if !spec.Kind.Valid() {
		return nil, errors.NewInvalidJobDefinition("unknown kind %q", spec.Kind)
	}
	if spec.BatchSize < 1 {
		return nil, errors.NewInvalidJobDefinition("batch size must be positive, got %d", spec.BatchSize)
	}
	if createdBy == "" {
		createdBy = "system"
	}

	filters := make(map[string]any, len(spec.Filters))
	for k, v := range spec.Filters {
		filters[k] = v
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      spec.Kind,
		Filters:   filters,
		DateFrom:  utcPtr(spec.DateFrom),
		DateTo:    utcPtr(spec.DateTo),
		BatchSize: spec.BatchSize,
		Status:    JobStatusPending,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Progress returns processed/total as a Progress value
func (j *Job) Progress() Progress {
	return Progress{Current: j.ProcessedRecords, Total: j.TotalRecords}
}

// Spec returns the submission that created j
func (j *Job) Spec() JobSpec {
	return JobSpec{
		Kind:      j.Kind,
		Filters:   j.Filters,
		DateFrom:  j.DateFrom,
		DateTo:    j.DateTo,
		BatchSize: j.BatchSize,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// marshalFilters converts filters to the JSON stored in the filters column
func marshalFilters(filters map[string]any) (string, error) {
	if len(filters) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(filters)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal filters")
	}
	return string(data), nil
}

// unmarshalFilters parses the filters column
func unmarshalFilters(data string) (map[string]any, error) {
	filters := map[string]any{}
	if data == "" {
		return filters, nil
	}
	// Numbers stay json.Number so ids above 2^53 survive the round trip
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&filters); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal filters")
	}
	return filters, nil
}
