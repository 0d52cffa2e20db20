package scheduler

import (
	"context"
	"strings"
	"time"
)

// TaskFilter selects tasks from the store. Zero fields match everything.
type TaskFilter struct {
	Statuses   []Status
	NamePrefix string
	DueBy      time.Time // ScheduledTime <= DueBy
	Limit      int
}

// Match reports whether t satisfies the filter (Limit aside).
func (f TaskFilter) Match(t *Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NamePrefix != "" && !strings.HasPrefix(t.Name, f.NamePrefix) {
		return false
	}
	if !f.DueBy.IsZero() && t.ScheduledTime.After(f.DueBy) {
		return false
	}
	return true
}

// Store is the durable backing of the registry. Implementations must make
// every method atomic; the registry serializes writers per task on top.
type Store interface {
	// InsertTasks stores new tasks, their dependency edges and one submission
	// record each, all or nothing. Tasks arrive prerequisites first. The store
	// assigns Seq and sets Version to 1 on the passed tasks.
	InsertTasks(ctx context.Context, tasks []*Task, message string) error

	// GetTask returns a copy of the stored task or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask replaces the stored task if its version still equals
	// t.Version (ErrVersionConflict otherwise), bumps t.Version and appends
	// rec in the same transaction.
	UpdateTask(ctx context.Context, t *Task, rec ExecutionRecord) error

	// ListTasks returns matching tasks in submission order.
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Records returns the execution log of one task, oldest first.
	Records(ctx context.Context, taskID string) ([]ExecutionRecord, error)

	// Dependents returns the IDs of tasks that declared taskID as a dependency.
	Dependents(ctx context.Context, taskID string) ([]string, error)

	Close() error
}
