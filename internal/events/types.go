package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string // Empty for engine-wide events
}

// Topic constants
const (
	TopicTask   = "task"
	TopicEngine = "engine"
)

// Event type constants
const (
	EventTypeTaskSubmitted      = "task.submitted"
	EventTypeTaskQueued         = "task.queued"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeTaskRetryScheduled = "task.retry_scheduled"
	EventTypeQueueStats         = "engine.stats"
	EventTypeAdmissionDenied    = "engine.admission_denied"
	EventTypeCircuitState       = "engine.circuit_state"
)

// TaskSubmittedEvent is published when a task enters the registry.
type TaskSubmittedEvent struct {
	ID            string
	Name          string
	Priority      string
	ScheduledTime time.Time
	Timestamp     time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskQueuedEvent is published when a task is promoted into the priority queue.
type TaskQueuedEvent struct {
	ID        string
	Name      string
	Priority  string
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker claims a task.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Handler   string
	Attempt   int
	Worker    int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Name      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails. Final is false when a
// retry was scheduled.
type TaskFailedEvent struct {
	ID        string
	Name      string
	Kind      string
	Err       string
	Attempt   int
	Final     bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a PENDING or QUEUED task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskRetryScheduledEvent links a failed attempt to its retry copy.
type TaskRetryScheduledEvent struct {
	ID        string // Failed attempt
	RetryID   string
	Attempt   int // Attempt number of the retry copy
	RunAt     time.Time
	Timestamp time.Time
}

func (e TaskRetryScheduledEvent) EventType() string { return EventTypeTaskRetryScheduled }
func (e TaskRetryScheduledEvent) TaskID() string    { return e.ID }

// QueueStatsEvent is a periodic snapshot of the engine.
type QueueStatsEvent struct {
	Pending          int
	Queued           int
	Running          int
	Completed        int
	Failed           int
	Cancelled        int
	CPUPercent       float64
	MemoryPercent    float64
	DiskPercent      float64
	AdmissionDenials uint64
	Breakers         map[string]string // service -> CLOSED / OPEN / HALF_OPEN
	Timestamp        time.Time
}

func (e QueueStatsEvent) EventType() string { return EventTypeQueueStats }
func (e QueueStatsEvent) TaskID() string    { return "" }

// AdmissionDeniedEvent is published each time a worker is held back by the
// resource gate.
type AdmissionDeniedEvent struct {
	Worker    int
	Timestamp time.Time
}

func (e AdmissionDeniedEvent) EventType() string { return EventTypeAdmissionDenied }
func (e AdmissionDeniedEvent) TaskID() string    { return "" }

// CircuitStateEvent is published on every circuit breaker transition.
type CircuitStateEvent struct {
	Service   string
	From      string
	To        string
	Timestamp time.Time
}

func (e CircuitStateEvent) EventType() string { return EventTypeCircuitState }
func (e CircuitStateEvent) TaskID() string    { return "" }
