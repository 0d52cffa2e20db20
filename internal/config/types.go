package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// EngineConfig tunes the scheduler loops and worker pool.
type EngineConfig struct {
	Workers           int      `json:"workers"`
	PromotionInterval Duration `json:"promotion_interval"`
	StatsInterval     Duration `json:"stats_interval"`
	AdmissionBackoff  Duration `json:"admission_backoff"`
	IdlePoll          Duration `json:"idle_poll"`
	DefaultTimeout    Duration `json:"default_timeout"`
	CoalesceMissed    bool     `json:"coalesce_missed"` // Skip recurrence occurrences already in the past
}

// RetryConfig is the default retry policy for tasks that do not carry one.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	Multiplier      float64  `json:"multiplier"`
	Jitter          float64  `json:"jitter"`
}

// ResourceConfig holds the admission thresholds, in percent.
type ResourceConfig struct {
	CPUPercent     float64  `json:"cpu_percent"`
	MemoryPercent  float64  `json:"memory_percent"`
	DiskPercent    float64  `json:"disk_percent"`
	DiskPath       string   `json:"disk_path"`
	SampleInterval Duration `json:"sample_interval"`
}

// BreakerSettings configures one circuit breaker.
type BreakerSettings struct {
	FailureThreshold uint32   `json:"failure_threshold"`
	Timeout          Duration `json:"timeout"`
}

// BreakerConfig holds the default breaker and per-service overrides.
type BreakerConfig struct {
	Default  BreakerSettings            `json:"default"`
	Services map[string]BreakerSettings `json:"services,omitempty"`
}

// DatabaseConfig locates the SQLite registry.
type DatabaseConfig struct {
	Path string `json:"path"` // Empty means ~/.taskrunner/taskrunner.db
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Format string `json:"format"` // console or json
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // Empty disables the endpoint
}

// JobConfig declares a task seeded at startup.
type JobConfig struct {
	Description  string          `json:"description,omitempty"`
	Handler      string          `json:"handler"`
	Args         json.RawMessage `json:"args,omitempty"`
	Priority     string          `json:"priority,omitempty"`      // low, medium, high, critical
	Start        string          `json:"start,omitempty"`         // RFC 3339; empty means now
	Recurrence   string          `json:"recurrence,omitempty"`    // none, daily, weekly, monthly, yearly, custom, cron
	IntervalDays int             `json:"interval_days,omitempty"` // recurrence=custom
	Cron         string          `json:"cron,omitempty"`          // recurrence=cron
	Timeout      Duration        `json:"timeout,omitempty"`
	Service      string          `json:"service,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Engine    EngineConfig         `json:"engine"`
	Retry     RetryConfig          `json:"retry"`
	Resources ResourceConfig       `json:"resources"`
	Breakers  BreakerConfig        `json:"breakers"`
	Database  DatabaseConfig       `json:"database"`
	Logging   LoggingConfig        `json:"logging"`
	Metrics   MetricsConfig        `json:"metrics"`
	Jobs      map[string]JobConfig `json:"jobs,omitempty"`
}
