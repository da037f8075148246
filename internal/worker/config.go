package worker

import "time"

// Config controls worker intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	DispatchBatchSize int
	ReleaseBatchSize  int
	DispatchBackoff   time.Duration
	LeaseTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       10 * time.Second,
		DispatchBatchSize: 100,
		ReleaseBatchSize:  50,
		DispatchBackoff:   30 * time.Second,
		LeaseTTL:          time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.ReleaseBatchSize <= 0 {
		c.ReleaseBatchSize = defaults.ReleaseBatchSize
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = defaults.DispatchBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}
