package scheduler

import (
	"time"

	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
)

// Config tunes the sweep loop. Zero values fall back to defaults so tests
// can construct partial configs.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	PendingAge time.Duration
}

func DefaultConfig(cfg config.Config) Config {
	return Config{
		Interval:  cfg.SchedulerInterval,
		BatchSize: cfg.SchedulerBatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Minute
	}
	if c.PendingAge <= 0 {
		c.PendingAge = time.Hour
	}
	return c
}
