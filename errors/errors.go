// Package errors provides error handling for banister.
//
// This package re-exports github.com/cockroachdb/errors so every package gets
// stack traces, wrapping and user-facing details from one import:
//
//	if err := store.Fail(ctx, id, msg); err != nil {
//	    return errors.Wrapf(err, "failed to mark job %s failed", id)
//	}
//
//	return errors.WithDetail(err, "page: 3")
//
// The export worker's error taxonomy lives here as sentinels. Check them with
// errors.Is; wrap them to add context without losing the kind.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef

	// Mark tags err so Is(err, reference) holds without changing its message
	Mark = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinels shared across packages.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Export worker taxonomy.
var (
	// ErrInvalidJobDefinition is returned at submission for an unknown kind,
	// malformed filters, an out of range batch size or an inverted date range.
	// No job is created.
	ErrInvalidJobDefinition = Wrap(ErrInvalidRequest, "invalid job definition")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = Wrap(ErrNotFound, "job")

	// ErrIllegalStateTransition is returned when a compare-and-swap on job
	// status finds the row in an unexpected state.
	ErrIllegalStateTransition = New("illegal state transition")

	// ErrRecordSkipped marks a single record rejected by a kind hook or the
	// renderer. It never fails a job.
	ErrRecordSkipped = New("record skipped")

	// ErrBatchFetch marks a page that could not be read. The page is skipped.
	ErrBatchFetch = New("batch fetch failed")

	// ErrFatalWorker marks anything that ends a job as failed.
	ErrFatalWorker = New("fatal worker error")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewInvalidJobDefinition creates an ErrInvalidJobDefinition with a formatted reason.
func NewInvalidJobDefinition(format string, args ...interface{}) error {
	return Wrap(ErrInvalidJobDefinition, Newf(format, args...).Error())
}

// NewJobNotFound creates an ErrJobNotFound naming the id.
func NewJobNotFound(id string) error {
	return WithDetailf(Wrap(ErrJobNotFound, id), "job_id: %s", id)
}

// NewIllegalTransition creates an ErrIllegalStateTransition describing the
// attempted move and the status actually observed.
func NewIllegalTransition(id, op, observed string) error {
	err := Wrapf(ErrIllegalStateTransition, "%s on job %s (status %s)", op, id, observed)
	return WithDetailf(err, "observed_status: %s", observed)
}
