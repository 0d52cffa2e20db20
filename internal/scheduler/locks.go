package scheduler

import (
	"sync"
)

// taskLocks provides per-task mutual exclusion for registry read-modify-write.
// Each task ID gets its own mutex so updates to unrelated tasks never serialize.
// Entries are reference counted and dropped once no goroutine holds or waits on them.
type taskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{
		locks: make(map[string]*taskLock),
	}
}

// Lock acquires the mutex for the given task ID.
func (l *taskLocks) Lock(id string) {
	l.mu.Lock()
	tl, exists := l.locks[id]
	if !exists {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	// Acquire outside the map lock to avoid contention.
	tl.mu.Lock()
}

// Unlock releases the mutex for the given task ID.
func (l *taskLocks) Unlock(id string) {
	l.mu.Lock()
	tl, exists := l.locks[id]
	if !exists {
		l.mu.Unlock()
		return
	}
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()

	tl.mu.Unlock()
}

// held returns the number of task IDs with a live mutex entry.
func (l *taskLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
