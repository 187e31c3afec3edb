package testing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Dm1try555/banister-backend-sub001/db"
)

// CreateTestDB creates an empty in-memory SQLite test database.
// Each pooled connection to ":memory:" would see a different database,
// so the pool is pinned to one connection.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateMigratedDB creates a file-backed database in t.TempDir() with all
// migrations applied. File-backed so concurrent workers get real
// connection-level concurrency under WAL.
func CreateMigratedDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "banister.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create migrated test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// Seeder inserts marketplace rows with strictly increasing creation times so
// export ordering is deterministic.
type Seeder struct {
	t    *testing.T
	db   *sql.DB
	next time.Time
}

// NewSeeder returns a Seeder whose first row is created at base.
func NewSeeder(t *testing.T, conn *sql.DB, base time.Time) *Seeder {
	return &Seeder{t: t, db: conn, next: base.UTC()}
}

// tick returns the next creation timestamp
func (s *Seeder) tick() time.Time {
	at := s.next
	s.next = s.next.Add(time.Minute)
	return at
}

// At overrides the timestamp used for the next row.
func (s *Seeder) At(at time.Time) *Seeder {
	s.next = at.UTC()
	return s
}

func (s *Seeder) insert(query string, args ...any) int64 {
	s.t.Helper()
	res, err := s.db.Exec(query, args...)
	if err != nil {
		s.t.Fatalf("seed insert failed: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.t.Fatalf("seed insert id: %v", err)
	}
	return id
}

// User inserts a user and returns its id.
func (s *Seeder) User(email, role string, active bool) int64 {
	s.t.Helper()
	return s.insert(`INSERT INTO users (email, first_name, last_name, role, is_active, phone_number, date_joined)
		VALUES (?, 'Test', 'User', ?, ?, NULL, ?)`, email, role, active, s.tick())
}

// Service inserts a service offered by providerID and returns its id.
func (s *Seeder) Service(providerID int64, title, price string) int64 {
	s.t.Helper()
	return s.insert(`INSERT INTO services (title, description, price, currency, provider_id, category, is_active, created_at)
		VALUES (?, '', ?, 'USD', ?, 'cleaning', 1, ?)`, title, price, providerID, s.tick())
}

// Booking inserts a booking and returns its id.
func (s *Seeder) Booking(customerID, providerID, serviceID int64, status, totalPrice string) int64 {
	s.t.Helper()
	return s.insert(`INSERT INTO bookings (customer_id, provider_id, service_id, status, location,
			preferred_date, preferred_time, scheduled_datetime, frequency, total_price, notes, created_at)
		VALUES (?, ?, ?, ?, 'Kyiv', '2024-05-01', '09:30:00', NULL, 'once', ?, NULL, ?)`,
		customerID, providerID, serviceID, status, totalPrice, s.tick())
}

// Payment inserts a payment and returns its id.
func (s *Seeder) Payment(userID int64, amount, status string) int64 {
	s.t.Helper()
	return s.insert(`INSERT INTO payments (user_id, amount, currency, status, payment_method, transaction_id, created_at)
		VALUES (?, ?, 'USD', ?, 'card', NULL, ?)`, userID, amount, status, s.tick())
}
