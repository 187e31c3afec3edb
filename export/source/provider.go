// Package source turns an export kind, its filters and an optional date
// range into an ordered, countable, page-addressable result set over the
// marketplace tables.
package source

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// table describes how one kind reads its rows
type table struct {
	from    string   // FROM clause including joins
	id      string   // id column of the base table
	created string   // creation timestamp column of the base table
	base    string   // base table name, for the snapshot high-water mark
	selects []string // one expression per export column, in column order
}

var tables = map[export.Kind]table{
	export.KindBookings: {
		from: `bookings b
			LEFT JOIN users cu ON cu.id = b.customer_id
			LEFT JOIN users pu ON pu.id = b.provider_id
			LEFT JOIN services s ON s.id = b.service_id`,
		id:      "b.id",
		created: "b.created_at",
		base:    "bookings",
		selects: []string{
			"b.id", "cu.email", "pu.email", "s.title", "b.status",
			"b.location", "b.preferred_date", "b.preferred_time", "b.scheduled_datetime",
			"b.frequency", "b.total_price", "b.notes", "b.created_at",
		},
	},
	export.KindPayments: {
		from:    `payments p LEFT JOIN users u ON u.id = p.user_id`,
		id:      "p.id",
		created: "p.created_at",
		base:    "payments",
		selects: []string{
			"p.id", "u.email", "p.amount", "p.currency", "p.status",
			"p.payment_method", "p.transaction_id", "p.created_at",
		},
	},
	export.KindUsers: {
		from:    `users u`,
		id:      "u.id",
		created: "u.date_joined",
		base:    "users",
		selects: []string{
			"u.id", "u.email", "u.first_name", "u.last_name", "u.role",
			"u.is_active", "u.phone_number", "u.date_joined",
		},
	},
	export.KindServices: {
		from:    `services s LEFT JOIN users pu ON pu.id = s.provider_id`,
		id:      "s.id",
		created: "s.created_at",
		base:    "services",
		selects: []string{
			"s.id", "s.title", "s.description", "s.price", "s.currency",
			"pu.email", "s.category", "s.is_active", "s.created_at",
		},
	},
}

// Provider builds result sets over a SQLite database
type Provider struct {
	db      *sql.DB
	limiter *rate.Limiter
}

// Option configures a Provider
type Option func(*Provider)

// WithPagesPerSecond paces page reads across every result set built by the
// provider. Zero or negative means unlimited.
func WithPagesPerSecond(pps float64) Option {
	return func(p *Provider) {
		if pps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(pps), 1)
		}
	}
}

// NewProvider creates a provider reading from db
func NewProvider(db *sql.DB, opts ...Option) *Provider {
	p := &Provider{db: db}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build validates filters and returns the result set for one job. The set is
// pinned to the rows that existed when Build ran: rows inserted later have a
// larger id and are excluded.
func (p *Provider) Build(ctx context.Context, kind export.Kind, filters map[string]any, from, to *time.Time) (export.ResultSet, error) {
	normalised, err := Validate(kind, filters)
	if err != nil {
		return nil, err
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, errors.NewInvalidJobDefinition("dateFrom %s is after dateTo %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	t := tables[kind]

	var hwm int64
	if err := p.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM "+t.base).Scan(&hwm); err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot %s", t.base)
	}

	conds := []string{t.id + " <= ?"}
	args := []any{hwm}

	// Filter names iterate in grammar order so the SQL text is stable
	for _, f := range Grammar(kind) {
		v, ok := normalised[f.Name]
		if !ok {
			continue
		}
		conds = append(conds, f.expr)
		args = append(args, v)
	}
	if from != nil {
		conds = append(conds, t.created+" >= ?")
		args = append(args, from.UTC())
	}
	if to != nil {
		conds = append(conds, t.created+" <= ?")
		args = append(args, to.UTC())
	}

	rs := &resultSet{
		db:      p.db,
		kind:    kind,
		columns: export.Columns(kind),
		from:    t.from,
		where:   strings.Join(conds, " AND "),
		order:   t.created + " ASC, " + t.id + " ASC",
		selects: append(append([]string{}, t.selects...), t.created),
		args:    args,
	}

	if p.limiter != nil {
		return &throttled{ResultSet: rs, limiter: p.limiter}, nil
	}
	return rs, nil
}

type resultSet struct {
	db      *sql.DB
	kind    export.Kind
	columns []string
	from    string
	where   string
	order   string
	selects []string
	args    []any

	countOnce sync.Once
	count     int
	countErr  error
}

// Count is computed once and cached so it stays stable for the job
func (rs *resultSet) Count(ctx context.Context) (int, error) {
	rs.countOnce.Do(func() {
		query := "SELECT COUNT(*) FROM " + rs.from + " WHERE " + rs.where
		if err := rs.db.QueryRowContext(ctx, query, rs.args...).Scan(&rs.count); err != nil {
			rs.countErr = errors.Wrapf(err, "failed to count %s", rs.kind)
		}
	})
	return rs.count, rs.countErr
}

func (rs *resultSet) Page(ctx context.Context, page, size int) ([]export.Record, error) {
	if page < 1 || size < 1 {
		return nil, errors.AssertionFailedf("page %d size %d out of range", page, size)
	}

	query := "SELECT " + strings.Join(rs.selects, ", ") +
		" FROM " + rs.from +
		" WHERE " + rs.where +
		" ORDER BY " + rs.order +
		" LIMIT ? OFFSET ?"
	args := append(append([]any{}, rs.args...), size, (page-1)*size)

	rows, err := rs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s page %d", rs.kind, page)
	}
	defer rows.Close()

	records := make([]export.Record, 0, size)
	for rows.Next() {
		values := make([]any, len(rs.selects))
		targets := make([]any, len(values))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s page %d", rs.kind, page)
		}

		rec := export.Record{Fields: make(map[string]any, len(rs.columns))}
		for i, col := range rs.columns {
			rec.Fields[col] = values[i]
		}
		rec.ID, _ = values[0].(int64)
		rec.CreatedAt, _ = values[len(values)-1].(time.Time)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate %s page %d", rs.kind, page)
	}

	return records, nil
}

// throttled waits on a shared limiter before each page read
type throttled struct {
	export.ResultSet
	limiter *rate.Limiter
}

func (t *throttled) Page(ctx context.Context, page, size int) ([]export.Record, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "page pacing interrupted")
	}
	return t.ResultSet.Page(ctx, page, size)
}
