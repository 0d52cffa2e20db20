package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending   Status = iota // Waiting to be due and for dependencies
	StatusQueued                  // Promoted into the priority queue
	StatusRunning                 // Claimed by a worker
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error
	StatusCancelled               // Cancelled before it started
)

var statusNames = [...]string{"PENDING", "QUEUED", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s -> to is a legal lifecycle step.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusQueued || to == StatusCancelled
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range statusNames {
		if name == up {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Priority is the urgency tier of a task. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority tier name. An empty string means medium.
func ParsePriority(s string) (Priority, error) {
	low := strings.ToLower(strings.TrimSpace(s))
	if low == "" {
		return PriorityMedium, nil
	}
	for i, name := range priorityNames {
		if name == low {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// RecurrenceKind selects how the next occurrence of a task is computed.
type RecurrenceKind int

const (
	RecurNone RecurrenceKind = iota
	RecurDaily
	RecurWeekly
	RecurMonthly
	RecurYearly
	RecurCustom // every IntervalDays days
	RecurCron   // robfig/cron expression
)

var recurrenceNames = [...]string{"none", "daily", "weekly", "monthly", "yearly", "custom", "cron"}

func (k RecurrenceKind) String() string {
	if k < 0 || int(k) >= len(recurrenceNames) {
		return fmt.Sprintf("RecurrenceKind(%d)", int(k))
	}
	return recurrenceNames[k]
}

// ParseRecurrenceKind parses a recurrence kind name. An empty string means none.
func ParseRecurrenceKind(s string) (RecurrenceKind, error) {
	low := strings.ToLower(strings.TrimSpace(s))
	if low == "" {
		return RecurNone, nil
	}
	for i, name := range recurrenceNames {
		if name == low {
			return RecurrenceKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown recurrence %q", s)
}

// Recurrence is the rule producing a fresh successor after a task completes.
type Recurrence struct {
	Kind         RecurrenceKind `json:"kind"`
	IntervalDays int            `json:"interval_days,omitempty"` // RecurCustom only
	Cron         string         `json:"cron,omitempty"`          // RecurCron only
}

// IsZero reports whether the rule never recurs.
func (r Recurrence) IsZero() bool { return r.Kind == RecurNone }

// RetryPolicy bounds how often a transiently failing task is re-submitted.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`     // Total executions, including the first
	InitialInterval time.Duration `json:"initial_interval"` // Delay before the second attempt
	MaxInterval     time.Duration `json:"max_interval"`     // Cap for any single delay
	Multiplier      float64       `json:"multiplier"`
	Jitter          float64       `json:"jitter"` // Randomization factor, 0.5 = +/-50%
}

// ResourceRequirements are advisory hints; the engine records but does not enforce them.
type ResourceRequirements struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// Task represents a unit of work known to the registry.
type Task struct {
	ID          string
	Name        string
	Description string

	Handler string          // Key into the handler registry
	Args    json.RawMessage // Opaque payload passed to the handler

	ScheduledTime time.Time // Earliest instant the task may run
	Occurrence    time.Time // Nominal due time of this recurrence instance; retries keep it
	Recurrence    Recurrence
	Timeout       time.Duration

	Priority Priority
	Seq      int64 // Submission order, assigned by the store

	Dependencies []string // Task IDs that must reach StatusCompleted first

	Retry     RetryPolicy
	Resources ResourceRequirements
	Service   string // Circuit breaker key; empty means no breaker

	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      json.RawMessage
	Error       *TaskError

	Attempt   int    // 1-based execution attempt
	RetryOf   string // ID of the first attempt, empty on the first attempt
	RetriedBy string // ID of the retry copy spawned after this attempt failed
	Previous  string // ID of the completed occurrence this one follows

	Version int64 // Optimistic concurrency counter maintained by the store
}

// DependencyEdge is one (task, prerequisite) pair of the dependency graph.
type DependencyEdge struct {
	TaskID      string
	DependsOnID string
}

// ExecutionRecord is one append-only audit entry.
type ExecutionRecord struct {
	ID        int64
	TaskID    string
	Timestamp time.Time
	Status    Status
	Message   string
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Args != nil {
		cp.Args = append(json.RawMessage(nil), t.Args...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}

// Edges returns the dependency edges declared by the task.
func (t *Task) Edges() []DependencyEdge {
	edges := make([]DependencyEdge, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		edges = append(edges, DependencyEdge{TaskID: t.ID, DependsOnID: dep})
	}
	return edges
}
