package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/taskrunner/internal/events"
)

// Collector turns engine events into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	submitted prometheus.Counter
	started   prometheus.Counter
	completed prometheus.Counter
	failed    *prometheus.CounterVec
	cancelled prometheus.Counter
	retries   prometheus.Counter
	denials   prometheus.Counter
	duration  *prometheus.HistogramVec

	tasks    *prometheus.GaugeVec
	cpu      prometheus.Gauge
	memory   prometheus.Gauge
	disk     prometheus.Gauge
	breakers *prometheus.GaugeVec
}

// New creates a collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_tasks_submitted_total",
			Help: "Total number of tasks entering the registry, including retries and recurrences",
		}),
		started: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_tasks_started_total",
			Help: "Total number of task executions started",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrunner_tasks_failed_total",
			Help: "Total number of failed executions by error kind; final=false when a retry was scheduled",
		}, []string{"kind", "final"}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_tasks_cancelled_total",
			Help: "Total number of tasks cancelled before running",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_retries_scheduled_total",
			Help: "Total number of retry attempts scheduled",
		}),
		denials: f.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_admission_denials_total",
			Help: "Total number of times a worker was held back by resource limits",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskrunner_task_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"outcome"}),
		tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskrunner_tasks",
			Help: "Number of tasks in the registry by status",
		}, []string{"status"}),
		cpu: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_host_cpu_percent",
			Help: "Last sampled host CPU usage",
		}),
		memory: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_host_memory_percent",
			Help: "Last sampled host memory usage",
		}),
		disk: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_host_disk_percent",
			Help: "Last sampled disk usage",
		}),
		breakers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskrunner_circuit_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		}, []string{"service"}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collected metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run consumes events until ctx is cancelled or the channel closes.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe updates metrics for one event.
func (c *Collector) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		c.submitted.Inc()
	case events.TaskStartedEvent:
		c.started.Inc()
	case events.TaskCompletedEvent:
		c.completed.Inc()
		c.duration.WithLabelValues("completed").Observe(e.Duration.Seconds())
	case events.TaskFailedEvent:
		final := "false"
		if e.Final {
			final = "true"
		}
		c.failed.WithLabelValues(e.Kind, final).Inc()
		c.duration.WithLabelValues("failed").Observe(e.Duration.Seconds())
	case events.TaskCancelledEvent:
		c.cancelled.Inc()
	case events.TaskRetryScheduledEvent:
		c.retries.Inc()
	case events.AdmissionDeniedEvent:
		c.denials.Inc()
	case events.CircuitStateEvent:
		c.breakers.WithLabelValues(e.Service).Set(circuitValue(e.To))
	case events.QueueStatsEvent:
		c.tasks.WithLabelValues("PENDING").Set(float64(e.Pending))
		c.tasks.WithLabelValues("QUEUED").Set(float64(e.Queued))
		c.tasks.WithLabelValues("RUNNING").Set(float64(e.Running))
		c.tasks.WithLabelValues("COMPLETED").Set(float64(e.Completed))
		c.tasks.WithLabelValues("FAILED").Set(float64(e.Failed))
		c.tasks.WithLabelValues("CANCELLED").Set(float64(e.Cancelled))
		c.cpu.Set(e.CPUPercent)
		c.memory.Set(e.MemoryPercent)
		c.disk.Set(e.DiskPercent)
		for service, state := range e.Breakers {
			c.breakers.WithLabelValues(service).Set(circuitValue(state))
		}
	}
}

func circuitValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}
