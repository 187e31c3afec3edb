package am

import "time"

// Config represents the banister export worker configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Export     ExportConfig     `mapstructure:"export" toml:"export" yaml:"export" json:"export"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" toml:"dispatcher" yaml:"dispatcher" json:"dispatcher"`
	Log        LogConfig        `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// ExportConfig configures how a single export job runs
type ExportConfig struct {
	ResultsDir        string  `mapstructure:"results_dir" toml:"results_dir" yaml:"results_dir" json:"results_dir"`                                 // where CSV artifacts are published
	DefaultBatchSize  int     `mapstructure:"default_batch_size" toml:"default_batch_size" yaml:"default_batch_size" json:"default_batch_size"`     // used when a submission omits batch size
	MaxBatchSize      int     `mapstructure:"max_batch_size" toml:"max_batch_size" yaml:"max_batch_size" json:"max_batch_size"`                     // upper bound on accepted batch size
	PagesPerSecond    float64 `mapstructure:"pages_per_second" toml:"pages_per_second" yaml:"pages_per_second" json:"pages_per_second"`             // 0 = unlimited
	JobTimeoutSeconds int     `mapstructure:"job_timeout_seconds" toml:"job_timeout_seconds" yaml:"job_timeout_seconds" json:"job_timeout_seconds"` // 0 = no deadline
}

// DispatcherConfig configures the dispatcher and its polling loop
type DispatcherConfig struct {
	MaxInflight          int `mapstructure:"max_inflight" toml:"max_inflight" yaml:"max_inflight" json:"max_inflight"`
	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds" yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	OrphanTimeoutSeconds int `mapstructure:"orphan_timeout_seconds" toml:"orphan_timeout_seconds" yaml:"orphan_timeout_seconds" json:"orphan_timeout_seconds"` // 0 disables orphan recovery
	StopTimeoutSeconds   int `mapstructure:"stop_timeout_seconds" toml:"stop_timeout_seconds" yaml:"stop_timeout_seconds" json:"stop_timeout_seconds"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json" yaml:"json" json:"json"`
}

// PollInterval returns the polling period as a duration
func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// OrphanTimeout returns how long a processing job may go without a heartbeat
func (d DispatcherConfig) OrphanTimeout() time.Duration {
	return time.Duration(d.OrphanTimeoutSeconds) * time.Second
}

// StopTimeout returns how long Stop waits for workers
func (d DispatcherConfig) StopTimeout() time.Duration {
	return time.Duration(d.StopTimeoutSeconds) * time.Second
}

// JobTimeout returns the per-job deadline, zero when unset
func (e ExportConfig) JobTimeout() time.Duration {
	return time.Duration(e.JobTimeoutSeconds) * time.Second
}
