package scheduler

import (
	"context"
	"errors"
	"time"
)

// DependencyState is the resolution of one dependency edge.
type DependencyState int

const (
	DepWaiting     DependencyState = iota // Not finished yet, or being retried
	DepSatisfied                          // Reached COMPLETED
	DepUnreachable                        // FAILED for good or CANCELLED
)

func (s DependencyState) String() string {
	switch s {
	case DepSatisfied:
		return "satisfied"
	case DepUnreachable:
		return "unreachable"
	default:
		return "waiting"
	}
}

// DependencyStatus describes one dependency of a task. ID is the declared
// dependency; Current is the attempt the resolution ended on.
type DependencyStatus struct {
	ID      string
	Current string
	Status  Status
	State   DependencyState
}

// maxRetryChain bounds how far a retry chain is followed.
const maxRetryChain = 1000

// resolve follows the retry chain from id to the latest attempt and
// classifies it. memo caches results within one promotion pass.
func (r *Registry) resolve(ctx context.Context, id string, memo map[string]DependencyStatus) (DependencyStatus, error) {
	if ds, ok := memo[id]; ok {
		return ds, nil
	}

	cur := id
	var ds DependencyStatus
	for hop := 0; ; hop++ {
		t, err := r.store.GetTask(ctx, cur)
		if errors.Is(err, ErrNotFound) && cur != id {
			// Retry copy announced but not yet visible.
			ds = DependencyStatus{ID: id, Current: cur, Status: StatusPending, State: DepWaiting}
			break
		}
		if err != nil {
			return DependencyStatus{}, err
		}

		ds = DependencyStatus{ID: id, Current: cur, Status: t.Status}
		switch t.Status {
		case StatusCompleted:
			ds.State = DepSatisfied
		case StatusCancelled:
			ds.State = DepUnreachable
		case StatusFailed:
			if t.RetriedBy != "" && hop < maxRetryChain {
				cur = t.RetriedBy
				continue
			}
			ds.State = DepUnreachable
		default:
			ds.State = DepWaiting
		}
		break
	}

	if memo != nil {
		memo[id] = ds
	}
	return ds, nil
}

// DependencyStatuses resolves every dependency of t.
func (r *Registry) DependencyStatuses(ctx context.Context, t *Task) ([]DependencyStatus, error) {
	return r.resolveAll(ctx, t, nil)
}

func (r *Registry) resolveAll(ctx context.Context, t *Task, memo map[string]DependencyStatus) ([]DependencyStatus, error) {
	out := make([]DependencyStatus, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		ds, err := r.resolve(ctx, dep, memo)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// BlockedBy returns the dependencies of t that can never complete.
func (r *Registry) BlockedBy(ctx context.Context, t *Task) ([]string, error) {
	deps, err := r.DependencyStatuses(ctx, t)
	if err != nil {
		return nil, err
	}
	var blocked []string
	for _, ds := range deps {
		if ds.State == DepUnreachable {
			blocked = append(blocked, ds.ID)
		}
	}
	return blocked, nil
}

// Eligible returns PENDING tasks that are due at now and whose dependencies
// have all completed, in submission order.
func (r *Registry) Eligible(ctx context.Context, now time.Time) ([]*Task, error) {
	pending, err := r.store.ListTasks(ctx, TaskFilter{Statuses: []Status{StatusPending}, DueBy: now})
	if err != nil {
		return nil, err
	}

	memo := make(map[string]DependencyStatus)
	var eligible []*Task
	for _, t := range pending {
		deps, err := r.resolveAll(ctx, t, memo)
		if err != nil {
			return nil, err
		}
		ready := true
		for _, ds := range deps {
			if ds.State != DepSatisfied {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, t)
		}
	}
	return eligible, nil
}

// Blocked returns PENDING tasks with at least one unreachable dependency.
func (r *Registry) Blocked(ctx context.Context) (map[string][]string, error) {
	pending, err := r.store.ListTasks(ctx, TaskFilter{Statuses: []Status{StatusPending}})
	if err != nil {
		return nil, err
	}

	memo := make(map[string]DependencyStatus)
	blocked := make(map[string][]string)
	for _, t := range pending {
		deps, err := r.resolveAll(ctx, t, memo)
		if err != nil {
			return nil, err
		}
		for _, ds := range deps {
			if ds.State == DepUnreachable {
				blocked[t.ID] = append(blocked[t.ID], ds.ID)
			}
		}
	}
	return blocked, nil
}
