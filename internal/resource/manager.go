package resource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// Thresholds are the utilization limits, in percent, at or above which new
// work is not admitted.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// DefaultThresholds returns the default admission limits.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 80, Memory: 85, Disk: 90}
}

// Manager periodically samples system utilization and answers admission
// queries from the worker pool. Samples may be one interval stale.
type Manager struct {
	sampler  Sampler
	interval time.Duration
	logger   zerolog.Logger
	errLog   rate.Sometimes

	mu         sync.RWMutex
	thresholds Thresholds
	last       Sample
	hasSample  bool
}

var _ scheduler.Admitter = (*Manager)(nil)

// NewManager creates a manager. Call Run (or Refresh) to take samples; until
// the first successful sample every query is admitted.
func NewManager(sampler Sampler, thresholds Thresholds, interval time.Duration, logger zerolog.Logger) *Manager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		sampler:    sampler,
		interval:   interval,
		thresholds: thresholds,
		logger:     logger.With().Str("comp", "resource").Logger(),
		errLog:     rate.Sometimes{Interval: time.Minute},
	}
}

// Run samples on every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh takes one sample now. On failure the previous sample is kept.
func (m *Manager) Refresh(ctx context.Context) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.errLog.Do(func() {
				m.logger.Warn().Err(err).Msg("resource sampling failed, keeping last sample")
			})
		}
		return
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}

	m.mu.Lock()
	m.last = s
	m.hasSample = true
	m.mu.Unlock()
}

// IsAdmissible reports whether every sampled value is below its threshold.
func (m *Manager) IsAdmissible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasSample {
		return true
	}
	return m.last.CPU < m.thresholds.CPU &&
		m.last.Memory < m.thresholds.Memory &&
		m.last.Disk < m.thresholds.Disk
}

// Usage returns the last sample.
func (m *Manager) Usage() scheduler.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return scheduler.ResourceUsage{
		CPUPercent:    m.last.CPU,
		MemoryPercent: m.last.Memory,
		DiskPercent:   m.last.Disk,
		SampledAt:     m.last.At,
	}
}

// SetThresholds replaces the admission limits.
func (m *Manager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	m.logger.Info().Float64("cpu", t.CPU).Float64("mem", t.Memory).Float64("disk", t.Disk).Msg("resource thresholds updated")
}

// Thresholds returns the current admission limits.
func (m *Manager) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}
