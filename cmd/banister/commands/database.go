package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/db"
	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = am.DefaultDatabasePath
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// dbPathFlag returns the root --db flag, "" when unset
func dbPathFlag(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("db")
	return path
}
