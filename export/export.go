// Package export defines the export kinds, their column layouts and the
// contracts between the worker, the source query provider and the CSV
// exporter.
package export

import (
	"context"
	"time"
)

// Kind selects which source table an export reads and how rows render
type Kind string

const (
	KindBookings Kind = "bookings_export"
	KindPayments Kind = "payments_export"
	KindUsers    Kind = "users_export"
	KindServices Kind = "services_export"
)

// Kinds returns every supported kind in a stable order
func Kinds() []Kind {
	return []Kind{KindBookings, KindPayments, KindUsers, KindServices}
}

// Valid reports whether k is a supported kind
func (k Kind) Valid() bool {
	_, ok := columns[k]
	return ok
}

var columns = map[Kind][]string{
	KindBookings: {
		"id", "customer_email", "provider_email", "service_title", "status",
		"location", "preferred_date", "preferred_time", "scheduled_datetime",
		"frequency", "total_price", "notes", "created_at",
	},
	KindPayments: {
		"id", "user_email", "amount", "currency", "status",
		"payment_method", "transaction_id", "created_at",
	},
	KindUsers: {
		"id", "email", "first_name", "last_name", "role",
		"is_active", "phone_number", "date_joined",
	},
	KindServices: {
		"id", "title", "description", "price", "currency",
		"provider_email", "category", "is_active", "created_at",
	},
}

// Columns returns the ordered export columns for k, nil for an unknown kind.
// The returned slice is a copy.
func Columns(k Kind) []string {
	cols, ok := columns[k]
	if !ok {
		return nil
	}
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}

// Record is one source row. Fields is keyed by the kind's column names.
type Record struct {
	ID        int64
	CreatedAt time.Time
	Fields    map[string]any
}

// ResultSet is an ordered, countable, page-addressable view over the records
// matching one job. Order is creation time ascending, then id ascending.
type ResultSet interface {
	// Count returns the number of records in the set. Stable for the
	// lifetime of the set.
	Count(ctx context.Context) (int, error)

	// Page returns the 1-based page of at most size records.
	Page(ctx context.Context, page, size int) ([]Record, error)
}

// Artifact is an in-progress CSV file. Nothing is visible under the final
// name until Publish.
type Artifact interface {
	Append(rows [][]string) error
	Rows() int
	Publish() (string, error)
	Discard() error
}
