package async

import (
	"context"
	"strings"

	"github.com/Dm1try555/banister-backend-sub001/db"
	"github.com/Dm1try555/banister-backend-sub001/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeInvalidDefinition ErrorCode = "invalid_definition"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeIllegalTransition ErrorCode = "illegal_transition"
	ErrorCodeRecordSkipped     ErrorCode = "record_skipped"
	ErrorCodeBatchFetch        ErrorCode = "batch_fetch"
	ErrorCodeDatabaseError     ErrorCode = "database_error"
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodeShutdown          ErrorCode = "shutdown"
	ErrorCodeUnknown           ErrorCode = "unknown"
)

// Messages stored in error_message for failures the worker itself decides
const (
	MessageTimeout  = "TIMEOUT"
	MessageShutdown = "worker shutdown"
	MessageOrphaned = "orphaned: worker heartbeat lost"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage       string    // Where the error occurred
	Code        ErrorCode // Error classification
	Message     string    // Human-readable message
	Retryable   bool      // Would resubmitting the job plausibly succeed?
	Recoverable bool      // Can continue processing other records/pages?
}

// ClassifyError maps err onto the export error taxonomy. Recoverable errors
// skip a record or a page; everything else ends the job.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ec := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}

	switch {
	case errors.Is(err, errors.ErrRecordSkipped):
		ec.Code = ErrorCodeRecordSkipped
		ec.Recoverable = true

	case errors.Is(err, errors.ErrBatchFetch):
		ec.Code = ErrorCodeBatchFetch
		ec.Retryable = true
		ec.Recoverable = true

	case errors.Is(err, errors.ErrInvalidJobDefinition):
		ec.Code = ErrorCodeInvalidDefinition

	case errors.Is(err, errors.ErrJobNotFound), errors.Is(err, errors.ErrNotFound):
		ec.Code = ErrorCodeNotFound

	case errors.Is(err, errors.ErrIllegalStateTransition):
		ec.Code = ErrorCodeIllegalTransition

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case errors.Is(err, context.Canceled):
		ec.Code = ErrorCodeShutdown
		ec.Retryable = true

	case db.IsDatabaseClosed(err), isSQLiteError(err):
		ec.Code = ErrorCodeDatabaseError
		ec.Retryable = true

	default:
		ec.Code = ErrorCodeUnknown
	}

	return ec
}

// isSQLiteError catches driver errors that carry no sentinel
func isSQLiteError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite") ||
		strings.Contains(msg, "no such table")
}

// failureMessage is what gets persisted in error_message for err
func failureMessage(err error) string {
	switch ClassifyError("", err).Code {
	case ErrorCodeTimeout:
		return MessageTimeout
	case ErrorCodeShutdown:
		return MessageShutdown
	default:
		return err.Error()
	}
}
