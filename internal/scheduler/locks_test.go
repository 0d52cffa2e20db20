package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTaskLocks_BasicLockUnlock verifies basic lock/unlock operations.
func TestTaskLocks_BasicLockUnlock(t *testing.T) {
	locks := newTaskLocks()

	locks.Lock("task-1")
	locks.Unlock("task-1")

	// Should be able to lock again after unlock
	locks.Lock("task-1")
	locks.Unlock("task-1")

	if n := locks.held(); n != 0 {
		t.Errorf("expected released entries to be dropped, %d remain", n)
	}
}

// TestTaskLocks_SameTaskBlocks verifies that the same task ID serializes.
func TestTaskLocks_SameTaskBlocks(t *testing.T) {
	locks := newTaskLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock("task-1")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("task-1")
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		locks.Lock("task-1")
		orderChan <- 2
		locks.Unlock("task-1")
	}()

	first := <-orderChan
	second := <-orderChan

	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestTaskLocks_DifferentTasksConcurrent verifies that unrelated tasks don't block each other.
func TestTaskLocks_DifferentTasksConcurrent(t *testing.T) {
	locks := newTaskLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	locks.Lock("a")
	wg.Add(1)
	go func() {
		defer wg.Done()
		locks.Lock("b")
		bLocked.Store(true)
		locks.Unlock("b")
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		aLocked.Store(true)
	case <-time.After(time.Second):
		t.Fatal("locking b blocked while a was held")
	}
	locks.Unlock("a")

	if !aLocked.Load() || !bLocked.Load() {
		t.Error("expected both locks to be acquired")
	}
}
