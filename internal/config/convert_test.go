package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aristath/taskrunner/internal/scheduler"
)

func TestSchedulerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Workers = 12
	cfg.Engine.CoalesceMissed = false
	cfg.Retry.MaxAttempts = 9

	got := cfg.SchedulerConfig()
	if got.Workers != 12 || got.CoalesceMissed {
		t.Errorf("engine config = %+v", got)
	}
	if got.Retry.MaxAttempts != 9 || got.Retry.InitialInterval != time.Second {
		t.Errorf("retry = %+v", got.Retry)
	}
	if got.PromotionInterval != scheduler.DefaultConfig().PromotionInterval {
		t.Errorf("promotion interval = %v", got.PromotionInterval)
	}
}

func TestThresholdsAndBreakers(t *testing.T) {
	cfg := DefaultConfig()
	th := cfg.Resources.Thresholds()
	if th.CPU != 80 || th.Memory != 85 || th.Disk != 90 {
		t.Errorf("thresholds = %+v", th)
	}
	st := cfg.Breakers.Default.Settings()
	if st.FailureThreshold != 5 || st.Timeout != 30*time.Second {
		t.Errorf("breaker = %+v", st)
	}
}

func TestJobRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		job     JobConfig
		check   func(t *testing.T, req scheduler.SubmitRequest)
		wantErr bool
	}{
		{
			name: "defaults",
			job:  JobConfig{Handler: "noop"},
			check: func(t *testing.T, req scheduler.SubmitRequest) {
				if req.Priority != scheduler.PriorityMedium {
					t.Errorf("priority = %v, want medium", req.Priority)
				}
				if !req.ScheduledTime.Equal(now) {
					t.Errorf("scheduled = %v, want now", req.ScheduledTime)
				}
				if req.Retry != nil || req.Args != nil {
					t.Errorf("unexpected retry/args: %+v", req)
				}
			},
		},
		{
			name: "full",
			job: JobConfig{
				Handler:      "exec",
				Args:         json.RawMessage(`{"command":"true"}`),
				Priority:     "critical",
				Start:        "2026-04-01T02:30:00Z",
				Recurrence:   "custom",
				IntervalDays: 3,
				Timeout:      Duration(time.Minute),
				Service:      "backup",
				MaxAttempts:  2,
			},
			check: func(t *testing.T, req scheduler.SubmitRequest) {
				if req.Name != "job" || req.Handler != "exec" || req.Service != "backup" {
					t.Errorf("req = %+v", req)
				}
				if req.Priority != scheduler.PriorityCritical {
					t.Errorf("priority = %v", req.Priority)
				}
				if want := time.Date(2026, 4, 1, 2, 30, 0, 0, time.UTC); !req.ScheduledTime.Equal(want) {
					t.Errorf("scheduled = %v, want %v", req.ScheduledTime, want)
				}
				if req.Recurrence.Kind != scheduler.RecurCustom || req.Recurrence.IntervalDays != 3 {
					t.Errorf("recurrence = %+v", req.Recurrence)
				}
				if req.Retry == nil || req.Retry.MaxAttempts != 2 {
					t.Errorf("retry = %+v", req.Retry)
				}
				if _, ok := req.Args.(json.RawMessage); !ok {
					t.Errorf("args type = %T", req.Args)
				}
			},
		},
		{name: "missing handler", job: JobConfig{}, wantErr: true},
		{name: "bad priority", job: JobConfig{Handler: "noop", Priority: "urgent"}, wantErr: true},
		{name: "bad start", job: JobConfig{Handler: "noop", Start: "tomorrow"}, wantErr: true},
		{name: "custom without interval", job: JobConfig{Handler: "noop", Recurrence: "custom"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.job.Request("job", now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, req)
		})
	}
}
