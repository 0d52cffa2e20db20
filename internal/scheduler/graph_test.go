package scheduler

import (
	"errors"
	"testing"
)

func existsIn(ids ...string) func(string) (bool, error) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) (bool, error) { return set[id], nil }
}

// TestOrderBatch tests batch validation with various graph structures.
func TestOrderBatch(t *testing.T) {
	tests := []struct {
		name     string
		batch    []*Task
		existing []string
		wantErr  error
	}{
		{
			name: "valid linear chain",
			batch: []*Task{
				{ID: "C", Dependencies: []string{"B"}},
				{ID: "B", Dependencies: []string{"A"}},
				{ID: "A"},
			},
		},
		{
			name: "valid fan-in",
			batch: []*Task{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", Dependencies: []string{"A", "B"}},
			},
		},
		{
			name:     "dependency on existing task",
			batch:    []*Task{{ID: "B", Dependencies: []string{"A"}}},
			existing: []string{"A"},
		},
		{
			name: "direct cycle",
			batch: []*Task{
				{ID: "A", Dependencies: []string{"B"}},
				{ID: "B", Dependencies: []string{"A"}},
			},
			wantErr: ErrCycle,
		},
		{
			name: "transitive cycle",
			batch: []*Task{
				{ID: "A", Dependencies: []string{"B"}},
				{ID: "B", Dependencies: []string{"C"}},
				{ID: "C", Dependencies: []string{"A"}},
			},
			wantErr: ErrCycle,
		},
		{
			name:    "self-loop",
			batch:   []*Task{{ID: "A", Dependencies: []string{"A"}}},
			wantErr: ErrCycle,
		},
		{
			name:    "missing dependency",
			batch:   []*Task{{ID: "A", Dependencies: []string{"nonexistent"}}},
			wantErr: ErrUnknownDependency,
		},
		{
			name:    "duplicate inside batch",
			batch:   []*Task{{ID: "A"}, {ID: "A"}},
			wantErr: ErrDuplicateID,
		},
		{
			name:     "id already registered",
			batch:    []*Task{{ID: "A"}},
			existing: []string{"A"},
			wantErr:  ErrDuplicateID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered, err := orderBatch(tt.batch, existsIn(tt.existing...))

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("orderBatch() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("orderBatch() unexpected error: %v", err)
			}
			if len(ordered) != len(tt.batch) {
				t.Fatalf("expected %d tasks, got %d", len(tt.batch), len(ordered))
			}

			// Every prerequisite inside the batch must come first.
			pos := make(map[string]int, len(ordered))
			for i, task := range ordered {
				pos[task.ID] = i
			}
			for _, task := range ordered {
				for _, dep := range task.Dependencies {
					if p, ok := pos[dep]; ok && p > pos[task.ID] {
						t.Errorf("dependency %q ordered after %q", dep, task.ID)
					}
				}
			}
		})
	}
}
