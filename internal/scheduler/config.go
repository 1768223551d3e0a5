package scheduler

import (
	"time"

	"github.com/smallbiznis/entitle/internal/config"
)

const (
	JobRecoverOrphans = "recover_orphans"
	JobExpirePending  = "expire_pending"
)

// Config controls scheduler intervals and per-job limits.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	JobTimeout  time.Duration
	OrphanBatch int
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: time.Minute,
		JobTimeout:  30 * time.Second,
		OrphanBatch: 100,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.SchedulerEnabled,
		RunInterval: cfg.SchedulerInterval,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.OrphanBatch <= 0 {
		c.OrphanBatch = defaults.OrphanBatch
	}
	return c
}
