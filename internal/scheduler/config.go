package scheduler

import (
	"time"

	appconfig "github.com/LaneJS/aiaca/internal/config"
)

// Config carries the intervals and batch sizes for the background sweeps.
type Config struct {
	RetryInterval    time.Duration
	RetryBatchSize   int
	DunningInterval  time.Duration
	DunningBatchSize int

	ReconcileInterval  time.Duration
	CompactionInterval time.Duration
	RetentionHorizon   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Minute
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 100
	}
	if c.DunningInterval <= 0 {
		c.DunningInterval = time.Hour
	}
	if c.DunningBatchSize <= 0 {
		c.DunningBatchSize = 200
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 24 * time.Hour
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = 24 * time.Hour
	}
	if c.RetentionHorizon <= 0 {
		c.RetentionHorizon = 90 * 24 * time.Hour
	}
	return c
}

func DefaultConfig(cfg appconfig.Config) Config {
	return Config{
		RetryInterval:    cfg.Sweep.RetryInterval,
		RetryBatchSize:   cfg.Sweep.RetryBatchSize,
		DunningInterval:  cfg.Sweep.DunningInterval,
		DunningBatchSize: cfg.Sweep.DunningBatchSize,

		ReconcileInterval:  cfg.Sweep.ReconcileInterval,
		CompactionInterval: cfg.Sweep.CompactionInterval,
		RetentionHorizon:   cfg.Sweep.RetentionHorizon,
	}.withDefaults()
}
