package persistence

import (
	"context"
	"testing"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// bothStores runs fn against the in-memory store and the SQLite store so
// their behavior stays identical.
func bothStores(t *testing.T, fn func(t *testing.T, store scheduler.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		store := scheduler.NewMemoryStore()
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, testStore(t))
	})
}

func TestStores_NamePrefixNonASCII(t *testing.T) {
	bothStores(t, func(t *testing.T, store scheduler.Store) {
		ctx := context.Background()

		mailer := sampleTask("mailer")
		mailer.Name = "résumé-mailer"
		other := sampleTask("other")
		other.Name = "rapport"
		if err := store.InsertTasks(ctx, []*scheduler.Task{mailer, other}, "submitted"); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			prefix string
			want   []string
		}{
			{"ré", []string{"mailer"}},
			{"résumé-", []string{"mailer"}},
			{"r", []string{"mailer", "other"}},
			{"re", nil},
		}
		for _, tt := range tests {
			tasks, err := store.ListTasks(ctx, scheduler.TaskFilter{NamePrefix: tt.prefix})
			if err != nil {
				t.Fatal(err)
			}
			if len(tasks) != len(tt.want) {
				t.Fatalf("prefix %q: got %d tasks, want %v", tt.prefix, len(tasks), tt.want)
			}
			for i, task := range tasks {
				if task.ID != tt.want[i] {
					t.Errorf("prefix %q: task %d = %s, want %s", tt.prefix, i, task.ID, tt.want[i])
				}
			}
		}
	})
}

func TestStores_RepeatedDependencyCollapses(t *testing.T) {
	bothStores(t, func(t *testing.T, store scheduler.Store) {
		ctx := context.Background()
		reg := scheduler.NewRegistry(store, nil)

		if _, err := reg.Submit(ctx, &scheduler.Task{ID: "a", Name: "a", Handler: "noop"}); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Submit(ctx, &scheduler.Task{ID: "b", Name: "b", Handler: "noop", Dependencies: []string{"a", "a"}}); err != nil {
			t.Fatalf("Submit with repeated dependency: %v", err)
		}

		b, err := reg.Get(ctx, "b")
		if err != nil {
			t.Fatal(err)
		}
		if len(b.Dependencies) != 1 || b.Dependencies[0] != "a" {
			t.Errorf("dependencies = %v, want [a]", b.Dependencies)
		}
		dependents, err := store.Dependents(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if len(dependents) != 1 || dependents[0] != "b" {
			t.Errorf("dependents = %v, want [b]", dependents)
		}
	})
}
