package config

import (
	"time"

	"github.com/aristath/taskrunner/internal/resource"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// DefaultConfig returns the default configuration, mirroring the defaults of
// the scheduler and resource packages.
func DefaultConfig() *Config {
	eng := scheduler.DefaultConfig()
	th := resource.DefaultThresholds()
	br := scheduler.DefaultBreakerSettings()

	return &Config{
		Engine: EngineConfig{
			Workers:           eng.Workers,
			PromotionInterval: Duration(eng.PromotionInterval),
			StatsInterval:     Duration(eng.StatsInterval),
			AdmissionBackoff:  Duration(eng.AdmissionBackoff),
			IdlePoll:          Duration(eng.IdlePoll),
			DefaultTimeout:    Duration(eng.DefaultTimeout),
			CoalesceMissed:    eng.CoalesceMissed,
		},
		Retry: RetryConfig{
			MaxAttempts:     eng.Retry.MaxAttempts,
			InitialInterval: Duration(eng.Retry.InitialInterval),
			MaxInterval:     Duration(eng.Retry.MaxInterval),
			Multiplier:      eng.Retry.Multiplier,
			Jitter:          eng.Retry.Jitter,
		},
		Resources: ResourceConfig{
			CPUPercent:     th.CPU,
			MemoryPercent:  th.Memory,
			DiskPercent:    th.Disk,
			DiskPath:       "/",
			SampleInterval: Duration(5 * time.Second),
		},
		Breakers: BreakerConfig{
			Default: BreakerSettings{
				FailureThreshold: br.FailureThreshold,
				Timeout:          Duration(br.Timeout),
			},
			Services: map[string]BreakerSettings{},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Jobs:    map[string]JobConfig{},
	}
}
