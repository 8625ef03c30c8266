package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// EnabledJobs narrows which jobs this process runs. Empty means all
	// jobs, which is what the monolith wants.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SCHEDULER_RUN_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.RunInterval = d
		}
	}
	if raw := os.Getenv("SCHEDULER_BATCH_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.BatchSize = n
		}
	}
	if raw := os.Getenv("SCHEDULER_JOBS"); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg.withDefaults()
}
