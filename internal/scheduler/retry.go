package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryPolicy returns the engine-wide retry policy applied to tasks
// submitted without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0.1,
	}
}

// withDefaults fills zero fields from def.
func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// Backoff returns the delay before attempt+1, given that attempt (1-based)
// just failed. Delays grow exponentially and never exceed MaxInterval.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not by wall time
	b.Reset()

	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// ShouldRetry reports whether a task that failed with te on the given attempt
// gets another one.
func (p RetryPolicy) ShouldRetry(attempt int, te *TaskError) bool {
	return te != nil && te.Transient && attempt < p.MaxAttempts
}
