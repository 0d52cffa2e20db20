package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristath/taskrunner/internal/events"
)

func TestCollector_TaskCounters(t *testing.T) {
	c := New()

	c.Observe(events.TaskSubmittedEvent{ID: "a"})
	c.Observe(events.TaskSubmittedEvent{ID: "b"})
	c.Observe(events.TaskStartedEvent{ID: "a"})
	c.Observe(events.TaskCompletedEvent{ID: "a", Duration: 250 * time.Millisecond})
	c.Observe(events.TaskFailedEvent{ID: "b", Kind: "Timeout", Final: false})
	c.Observe(events.TaskRetryScheduledEvent{ID: "b", RetryID: "b2"})
	c.Observe(events.TaskFailedEvent{ID: "b2", Kind: "Timeout", Final: true})
	c.Observe(events.TaskCancelledEvent{ID: "c"})
	c.Observe(events.AdmissionDeniedEvent{Worker: 1})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"submitted", testutil.ToFloat64(c.submitted), 2},
		{"started", testutil.ToFloat64(c.started), 1},
		{"completed", testutil.ToFloat64(c.completed), 1},
		{"failed retried", testutil.ToFloat64(c.failed.WithLabelValues("Timeout", "false")), 1},
		{"failed final", testutil.ToFloat64(c.failed.WithLabelValues("Timeout", "true")), 1},
		{"cancelled", testutil.ToFloat64(c.cancelled), 1},
		{"retries", testutil.ToFloat64(c.retries), 1},
		{"denials", testutil.ToFloat64(c.denials), 1},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}
}

func TestCollector_StatsGauges(t *testing.T) {
	c := New()
	c.Observe(events.QueueStatsEvent{
		Pending:       3,
		Queued:        2,
		Running:       1,
		CPUPercent:    42.5,
		MemoryPercent: 61,
		DiskPercent:   70,
		Breakers:      map[string]string{"smtp": "OPEN", "s3": "CLOSED"},
	})

	if got := testutil.ToFloat64(c.tasks.WithLabelValues("PENDING")); got != 3 {
		t.Errorf("pending gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.cpu); got != 42.5 {
		t.Errorf("cpu gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.breakers.WithLabelValues("smtp")); got != 2 {
		t.Errorf("smtp breaker = %v", got)
	}

	c.Observe(events.CircuitStateEvent{Service: "smtp", From: "OPEN", To: "HALF_OPEN"})
	if got := testutil.ToFloat64(c.breakers.WithLabelValues("smtp")); got != 1 {
		t.Errorf("smtp breaker after transition = %v", got)
	}
}

func TestCollector_RunAndServe(t *testing.T) {
	c := New()
	bus := events.NewEventBus()
	ch := bus.SubscribeAll(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ch) }()

	bus.Publish(events.TopicTask, events.TaskCompletedEvent{ID: "x", Duration: time.Second})
	bus.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"taskrunner_tasks_completed_total 1", "taskrunner_task_duration_seconds_count{outcome=\"completed\"} 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
