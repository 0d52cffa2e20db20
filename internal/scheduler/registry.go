package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry is the authoritative record of every task. Writers to one task
// are serialized by a per-task lock; distinct tasks proceed in parallel.
type Registry struct {
	store Store
	locks *taskLocks
	now   func() time.Time
}

// NewRegistry wraps store. now defaults to time.Now.
func NewRegistry(store Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store: store,
		locks: newTaskLocks(),
		now:   now,
	}
}

// Submit registers one task. See SubmitBatch.
func (r *Registry) Submit(ctx context.Context, t *Task) (string, error) {
	ids, err := r.SubmitBatch(ctx, []*Task{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch registers a set of tasks atomically. Tasks may depend on each
// other and on tasks already registered. Missing IDs are generated; the new
// tasks start PENDING on attempt 1 unless the caller set Attempt.
// IDs are returned in input order.
func (r *Registry) SubmitBatch(ctx context.Context, tasks []*Task) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	now := r.now()
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		ids[i] = t.ID
		t.Status = StatusPending
		t.CreatedAt = now
		if t.ScheduledTime.IsZero() {
			t.ScheduledTime = now
		}
		if t.Occurrence.IsZero() {
			t.Occurrence = t.ScheduledTime
		}
		if t.Attempt == 0 {
			t.Attempt = 1
		}
		t.Dependencies = uniqueIDs(t.Dependencies)
	}

	ordered, err := orderBatch(tasks, r.exists(ctx))
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertTasks(ctx, ordered, "submitted"); err != nil {
		return nil, fmt.Errorf("failed to insert tasks: %w", err)
	}
	return ids, nil
}

// uniqueIDs returns a copy of ids without repeats, first occurrences in order.
func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *Registry) exists(ctx context.Context) func(id string) (bool, error) {
	return func(id string) (bool, error) {
		_, err := r.store.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// Get returns a snapshot of the task or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	return r.store.GetTask(ctx, id)
}

// UpdateStatus moves a task to status `to`, applying mutate to the task under
// its lock before the write. Illegal transitions fail with
// ErrInvalidTransition and leave the task untouched.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status, mutate func(*Task), message string) (*Task, error) {
	return r.transition(ctx, id, to, mutate, message, nil)
}

// transition is UpdateStatus with an optional hook that runs after a
// successful write, before the task lock is released.
func (r *Registry) transition(ctx context.Context, id string, to Status, mutate func(*Task), message string, then func(*Task)) (*Task, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(to) {
		return t, fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}

	now := r.now()
	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	switch {
	case to == StatusRunning:
		t.StartedAt = now
	case to.Terminal():
		t.CompletedAt = now
	}

	rec := ExecutionRecord{TaskID: id, Timestamp: now, Status: to, Message: message}
	if err := r.store.UpdateTask(ctx, t, rec); err != nil {
		return nil, fmt.Errorf("failed to update task %q: %w", id, err)
	}
	if then != nil {
		then(t)
	}
	return t, nil
}

// Annotate applies mutate without changing status and logs message.
func (r *Registry) Annotate(ctx context.Context, id string, mutate func(*Task), message string) (*Task, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(t)
	}
	rec := ExecutionRecord{TaskID: id, Timestamp: r.now(), Status: t.Status, Message: message}
	if err := r.store.UpdateTask(ctx, t, rec); err != nil {
		return nil, fmt.Errorf("failed to annotate task %q: %w", id, err)
	}
	return t, nil
}

// Query lists tasks matching f in submission order.
func (r *Registry) Query(ctx context.Context, f TaskFilter) ([]*Task, error) {
	return r.store.ListTasks(ctx, f)
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts(ctx context.Context) (map[Status]int, error) {
	return r.store.CountByStatus(ctx)
}

// History returns the execution log of a task, oldest first.
func (r *Registry) History(ctx context.Context, id string) ([]ExecutionRecord, error) {
	return r.store.Records(ctx, id)
}

// Dependents returns the tasks that declared id as a dependency.
func (r *Registry) Dependents(ctx context.Context, id string) ([]string, error) {
	return r.store.Dependents(ctx, id)
}
