package am

import "github.com/Dm1try555/banister-backend-sub001/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}
	if c.Export.ResultsDir == "" {
		return errors.New("export.results_dir cannot be empty")
	}

	if c.Export.MaxBatchSize < 1 {
		return errors.Newf("export.max_batch_size must be >= 1, got %d", c.Export.MaxBatchSize)
	}
	if c.Export.DefaultBatchSize < 1 || c.Export.DefaultBatchSize > c.Export.MaxBatchSize {
		return errors.Newf("export.default_batch_size must be within [1, %d], got %d",
			c.Export.MaxBatchSize, c.Export.DefaultBatchSize)
	}

	// 0 = unlimited / no deadline, negative = invalid
	if c.Export.PagesPerSecond < 0 {
		return errors.Newf("export.pages_per_second must be >= 0, got %f", c.Export.PagesPerSecond)
	}
	if c.Export.JobTimeoutSeconds < 0 {
		return errors.Newf("export.job_timeout_seconds must be >= 0, got %d", c.Export.JobTimeoutSeconds)
	}

	if c.Dispatcher.MaxInflight < 1 {
		return errors.Newf("dispatcher.max_inflight must be >= 1, got %d", c.Dispatcher.MaxInflight)
	}
	if c.Dispatcher.PollIntervalSeconds < 1 {
		return errors.Newf("dispatcher.poll_interval_seconds must be >= 1, got %d", c.Dispatcher.PollIntervalSeconds)
	}
	if c.Dispatcher.OrphanTimeoutSeconds < 0 {
		return errors.Newf("dispatcher.orphan_timeout_seconds must be >= 0, got %d", c.Dispatcher.OrphanTimeoutSeconds)
	}
	if c.Dispatcher.StopTimeoutSeconds < 0 {
		return errors.Newf("dispatcher.stop_timeout_seconds must be >= 0, got %d", c.Dispatcher.StopTimeoutSeconds)
	}

	return nil
}
