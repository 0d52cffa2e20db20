package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store. Nothing survives a restart; use it
// for embedding and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string
	records    map[string][]ExecutionRecord
	seq        int64
	recordID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		records:    make(map[string][]ExecutionRecord),
	}
}

func (s *MemoryStore) InsertTasks(ctx context.Context, tasks []*Task, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before mutating anything.
	pending := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists || pending[t.ID] {
			return fmt.Errorf("insert task %q: %w", t.ID, ErrDuplicateID)
		}
		for _, dep := range t.Dependencies {
			if _, ok := s.tasks[dep]; !ok && !pending[dep] {
				return fmt.Errorf("insert task %q: %w: %q", t.ID, ErrUnknownDependency, dep)
			}
		}
		pending[t.ID] = true
	}

	for _, t := range tasks {
		s.seq++
		t.Seq = s.seq
		t.Version = 1
		s.tasks[t.ID] = t.Clone()
		for _, dep := range t.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], t.ID)
		}
		s.appendLocked(ExecutionRecord{TaskID: t.ID, Timestamp: t.CreatedAt, Status: t.Status, Message: message})
	}
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %q: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("update task %q: %w", t.ID, ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("update task %q (have v%d, stored v%d): %w", t.ID, t.Version, cur.Version, ErrVersionConflict)
	}

	t.Version++
	s.tasks[t.ID] = t.Clone()
	rec.TaskID = t.ID
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) appendLocked(rec ExecutionRecord) {
	s.recordID++
	rec.ID = s.recordID
	s.records[rec.TaskID] = append(s.records[rec.TaskID], rec)
}

func (s *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Records(ctx context.Context, taskID string) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("records of %q: %w", taskID, ErrNotFound)
	}
	return append([]ExecutionRecord(nil), s.records[taskID]...), nil
}

func (s *MemoryStore) Dependents(ctx context.Context, taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dependents[taskID]...), nil
}

func (s *MemoryStore) Close() error { return nil }
