package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSampler struct {
	mu     sync.Mutex
	sample Sample
	err    error
	calls  int
}

func (f *fakeSampler) Sample(ctx context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.sample, f.err
}

func (f *fakeSampler) set(s Sample, err error) {
	f.mu.Lock()
	f.sample, f.err = s, err
	f.mu.Unlock()
}

func TestManager_AdmitsBeforeFirstSample(t *testing.T) {
	m := NewManager(&fakeSampler{}, DefaultThresholds(), time.Second, zerolog.Nop())
	if !m.IsAdmissible() {
		t.Error("manager without a sample should admit")
	}
}

func TestManager_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   bool
	}{
		{"idle", Sample{CPU: 10, Memory: 20, Disk: 30}, true},
		{"cpu at limit", Sample{CPU: 80, Memory: 20, Disk: 30}, false},
		{"memory over", Sample{CPU: 10, Memory: 90, Disk: 30}, false},
		{"disk over", Sample{CPU: 10, Memory: 20, Disk: 95}, false},
		{"just below all", Sample{CPU: 79.9, Memory: 84.9, Disk: 89.9}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSampler{sample: tt.sample}
			m := NewManager(s, DefaultThresholds(), time.Second, zerolog.Nop())
			m.Refresh(context.Background())
			if got := m.IsAdmissible(); got != tt.want {
				t.Errorf("IsAdmissible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_KeepsLastSampleOnError(t *testing.T) {
	s := &fakeSampler{sample: Sample{CPU: 95, Memory: 10, Disk: 10}}
	m := NewManager(s, DefaultThresholds(), time.Second, zerolog.Nop())
	m.Refresh(context.Background())

	s.set(Sample{}, errors.New("permission denied"))
	m.Refresh(context.Background())

	if m.IsAdmissible() {
		t.Error("failed sample should not reset to admissible")
	}
	if u := m.Usage(); u.CPUPercent != 95 || u.SampledAt.IsZero() {
		t.Errorf("Usage() = %+v", u)
	}
}

func TestManager_SetThresholds(t *testing.T) {
	s := &fakeSampler{sample: Sample{CPU: 85, Memory: 10, Disk: 10}}
	m := NewManager(s, DefaultThresholds(), time.Second, zerolog.Nop())
	m.Refresh(context.Background())

	if m.IsAdmissible() {
		t.Fatal("85% cpu admitted under default thresholds")
	}
	m.SetThresholds(Thresholds{CPU: 90, Memory: 85, Disk: 90})
	if !m.IsAdmissible() {
		t.Error("raised threshold not applied")
	}
	if m.Thresholds().CPU != 90 {
		t.Errorf("Thresholds() = %+v", m.Thresholds())
	}
}

func TestManager_RunSamplesPeriodically(t *testing.T) {
	s := &fakeSampler{sample: Sample{CPU: 1}}
	m := NewManager(s, DefaultThresholds(), 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls < 3 {
		t.Errorf("sampled %d times, want at least 3", s.calls)
	}
}

func TestPsutilSampler(t *testing.T) {
	if testing.Short() {
		t.Skip("samples the host")
	}
	p := NewPsutilSampler(t.TempDir())
	p.CPUWindow = 50 * time.Millisecond

	s, err := p.Sample(context.Background())
	if err != nil {
		t.Skipf("host sampling unavailable: %v", err)
	}
	for name, v := range map[string]float64{"cpu": s.CPU, "memory": s.Memory, "disk": s.Disk} {
		if v < 0 || v > 100 {
			t.Errorf("%s = %f outside [0, 100]", name, v)
		}
	}
}
