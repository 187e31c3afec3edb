package am

import (
	"os"

	"github.com/spf13/viper"
)

// Default values. The dispatcher and batch limits match the documented
// operating envelope of the export worker.
const (
	DefaultDatabasePath         = "banister.db"
	DefaultResultsDir           = "exports"
	DefaultBatchSize            = 100
	DefaultMaxBatchSize         = 10000
	DefaultMaxInflight          = 4
	DefaultPollIntervalSeconds  = 10
	DefaultOrphanTimeoutSeconds = 600
	DefaultStopTimeoutSeconds   = 30

	// DefaultDirPermissions is used for the user config dir and the results dir
	DefaultDirPermissions os.FileMode = 0755
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("export.results_dir", DefaultResultsDir)
	v.SetDefault("export.default_batch_size", DefaultBatchSize)
	v.SetDefault("export.max_batch_size", DefaultMaxBatchSize)
	v.SetDefault("export.pages_per_second", 0)
	v.SetDefault("export.job_timeout_seconds", 0)

	v.SetDefault("dispatcher.max_inflight", DefaultMaxInflight)
	v.SetDefault("dispatcher.poll_interval_seconds", DefaultPollIntervalSeconds)
	v.SetDefault("dispatcher.orphan_timeout_seconds", DefaultOrphanTimeoutSeconds)
	v.SetDefault("dispatcher.stop_timeout_seconds", DefaultStopTimeoutSeconds)

	v.SetDefault("log.json", false)
}
