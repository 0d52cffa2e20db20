package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrunner/internal/resource"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	for name, v := range map[string]float64{
		"resources.cpu_percent":    c.Resources.CPUPercent,
		"resources.memory_percent": c.Resources.MemoryPercent,
		"resources.disk_percent":   c.Resources.DiskPercent,
	} {
		if v <= 0 || v > 100 {
			return fmt.Errorf("%s must be in (0, 100], got %v", name, v)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	for name, job := range c.Jobs {
		if _, err := job.Request(name, time.Time{}); err != nil {
			return fmt.Errorf("jobs.%s: %w", name, err)
		}
	}
	return nil
}

// SchedulerConfig builds the engine configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Workers = c.Engine.Workers
	cfg.PromotionInterval = c.Engine.PromotionInterval.Std()
	cfg.StatsInterval = c.Engine.StatsInterval.Std()
	cfg.AdmissionBackoff = c.Engine.AdmissionBackoff.Std()
	cfg.IdlePoll = c.Engine.IdlePoll.Std()
	cfg.DefaultTimeout = c.Engine.DefaultTimeout.Std()
	cfg.CoalesceMissed = c.Engine.CoalesceMissed
	cfg.Retry = c.Retry.Policy()
	return cfg
}

// Policy converts the retry settings.
func (r RetryConfig) Policy() scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.Std(),
		MaxInterval:     r.MaxInterval.Std(),
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
	}
}

// Thresholds converts the admission limits.
func (r ResourceConfig) Thresholds() resource.Thresholds {
	return resource.Thresholds{CPU: r.CPUPercent, Memory: r.MemoryPercent, Disk: r.DiskPercent}
}

// Settings converts one breaker entry.
func (b BreakerSettings) Settings() scheduler.BreakerSettings {
	return scheduler.BreakerSettings{FailureThreshold: b.FailureThreshold, Timeout: b.Timeout.Std()}
}

// Request builds the submission for a configured job. now is used when the
// job has no start time.
func (j JobConfig) Request(name string, now time.Time) (scheduler.SubmitRequest, error) {
	if j.Handler == "" {
		return scheduler.SubmitRequest{}, errors.New("handler is required")
	}
	prio, err := scheduler.ParsePriority(j.Priority)
	if err != nil {
		return scheduler.SubmitRequest{}, err
	}
	kind, err := scheduler.ParseRecurrenceKind(j.Recurrence)
	if err != nil {
		return scheduler.SubmitRequest{}, err
	}
	rec := scheduler.Recurrence{Kind: kind, IntervalDays: j.IntervalDays, Cron: j.Cron}
	if err := scheduler.ValidateRecurrence(rec); err != nil {
		return scheduler.SubmitRequest{}, err
	}

	start := now
	if j.Start != "" {
		start, err = time.Parse(time.RFC3339, j.Start)
		if err != nil {
			return scheduler.SubmitRequest{}, fmt.Errorf("start: %w", err)
		}
	}

	req := scheduler.SubmitRequest{
		Name:          name,
		Description:   j.Description,
		Handler:       j.Handler,
		Priority:      prio,
		ScheduledTime: start,
		Recurrence:    rec,
		Timeout:       j.Timeout.Std(),
		Service:       j.Service,
	}
	if len(j.Args) > 0 {
		req.Args = j.Args
	}
	if j.MaxAttempts > 0 {
		// Remaining fields fall back to the engine's retry policy.
		req.Retry = &scheduler.RetryPolicy{MaxAttempts: j.MaxAttempts}
	}
	return req, nil
}
