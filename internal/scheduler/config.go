package scheduler

import (
	"time"

	"github.com/smallbiznis/loyalty/internal/config"
)

// JobConfig controls a single periodic job.
type JobConfig struct {
	Enabled   bool
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
}

// Config controls the run loop and its jobs.
type Config struct {
	Enabled            bool
	Tick               time.Duration
	VerifyBalances     JobConfig
	ReconcileDiscounts JobConfig
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Tick:    30 * time.Second,
		VerifyBalances: JobConfig{
			Enabled:   true,
			Interval:  6 * time.Hour,
			Timeout:   30 * time.Minute,
			BatchSize: 500,
		},
		ReconcileDiscounts: JobConfig{
			Enabled:   true,
			Interval:  10 * time.Minute,
			Timeout:   2 * time.Minute,
			BatchSize: 100,
		},
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled: cfg.SchedulerEnabled,
		Tick:    cfg.SchedulerTick,
		VerifyBalances: JobConfig{
			Enabled:  cfg.SchedulerVerifyEnabled,
			Interval: cfg.SchedulerVerifyInterval,
			Timeout:  cfg.SchedulerVerifyTimeout,
		},
		ReconcileDiscounts: JobConfig{
			Enabled:   cfg.SchedulerReconcileEnabled,
			Interval:  cfg.SchedulerReconcileInterval,
			Timeout:   cfg.SchedulerReconcileTimeout,
			BatchSize: cfg.SchedulerReconcileBatchSize,
		},
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = defaults.Tick
	}
	c.VerifyBalances = c.VerifyBalances.withDefaults(defaults.VerifyBalances)
	c.ReconcileDiscounts = c.ReconcileDiscounts.withDefaults(defaults.ReconcileDiscounts)
	return c
}

func (c JobConfig) withDefaults(defaults JobConfig) JobConfig {
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}
