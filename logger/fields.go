package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries stay stable.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldKind      = "kind"
	FieldCreatedBy = "created_by"
	FieldRecordID  = "record_id"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldStage     = "stage"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldReason    = "reason"

	// Progress
	FieldPage      = "page"
	FieldPageCount = "page_count"
	FieldBatchSize = "batch_size"
	FieldTotal     = "total_records"
	FieldProcessed = "processed_records"
	FieldSkipped   = "skipped"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Files
	FieldArtifact = "artifact"
	FieldPath     = "path"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger. Preferred for
// dependency injection:
//
//	d := async.NewDispatcher(store, runner, cfg, logger.ComponentLogger("dispatcher"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
