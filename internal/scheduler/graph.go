package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// orderBatch validates a batch of new tasks against the existing registry and
// returns them in dependency order (prerequisites first), so each insert only
// references tasks that are already stored.
//
// exists reports whether an ID is already present in the registry. Existing
// tasks can never depend on new ones, so any cycle lies entirely inside the batch.
func orderBatch(batch []*Task, exists func(id string) (bool, error)) ([]*Task, error) {
	byID := make(map[string]*Task, len(batch))
	for _, task := range batch {
		if _, dup := byID[task.ID]; dup {
			return nil, fmt.Errorf("%w: %q appears twice in batch", ErrDuplicateID, task.ID)
		}
		byID[task.ID] = task
	}

	for _, task := range batch {
		ok, err := exists(task.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, task.ID)
		}
	}

	// Edge (dep, task) means dep must come before task.
	var edges []toposort.Edge
	for _, task := range batch {
		inBatch := 0
		for _, depID := range task.Dependencies {
			if _, ok := byID[depID]; ok {
				edges = append(edges, toposort.Edge{depID, task.ID})
				inBatch++
				continue
			}
			ok, err := exists(depID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, task.ID, depID)
			}
		}
		if inBatch == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	ordered := make([]*Task, 0, len(batch))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		ordered = append(ordered, byID[id.(string)])
	}

	if len(ordered) != len(batch) {
		seen := make(map[string]bool, len(ordered))
		for _, task := range ordered {
			seen[task.ID] = true
		}
		var missing []string
		for id := range byID {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: unresolved tasks %s", ErrCycle, strings.Join(missing, ", "))
	}

	return ordered, nil
}
