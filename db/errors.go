package db

import (
	"strings"

	"github.com/Dm1try555/banister-backend-sub001/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database, typically while the dispatcher drains during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is
// closed. The driver returns its own error values, so raw messages are
// matched as well as the wrapped sentinel.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}
