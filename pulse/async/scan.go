package async

import (
	"database/sql"
	"time"
)

// JobScanArgs holds the nullable columns of a job row during a scan
type JobScanArgs struct {
	FiltersJSON       string
	DateFrom          sql.NullTime
	DateTo            sql.NullTime
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
	ResultArtifactRef sql.NullString
	ErrorMessage      sql.NullString
	HeartbeatAt       sql.NullTime
}

// GetJobScanTargets returns pointers for job and args in the order of
// StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Kind,
		&args.FiltersJSON,
		&args.DateFrom,
		&args.DateTo,
		&job.BatchSize,
		&job.Status,
		&job.TotalRecords,
		&job.ProcessedRecords,
		&job.CreatedBy,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.ResultArtifactRef,
		&args.ErrorMessage,
		&job.CancelRequested,
		&args.HeartbeatAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies scanned nullable columns into job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	filters, err := unmarshalFilters(args.FiltersJSON)
	if err != nil {
		return err
	}
	job.Filters = filters

	job.DateFrom = nullTimePtr(args.DateFrom)
	job.DateTo = nullTimePtr(args.DateTo)
	job.StartedAt = nullTimePtr(args.StartedAt)
	job.CompletedAt = nullTimePtr(args.CompletedAt)
	job.HeartbeatAt = nullTimePtr(args.HeartbeatAt)

	if args.ResultArtifactRef.Valid {
		ref := args.ResultArtifactRef.String
		job.ResultArtifactRef = &ref
	}
	if args.ErrorMessage.Valid {
		msg := args.ErrorMessage.String
		job.ErrorMessage = &msg
	}

	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a row
func scanJob(row scanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	if err := ProcessJobScanArgs(&job, &args); err != nil {
		return nil, err
	}
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, kind, filters, date_from, date_to, batch_size, status,
		total_records, processed_records, created_by,
		created_at, started_at, completed_at,
		result_artifact_ref, error_message, cancel_requested, heartbeat_at, updated_at`
}
