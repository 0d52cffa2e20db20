package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is the shared priority queue of promoted (QUEUED) tasks.
// Ordering key: priority descending, scheduled time ascending, submission
// sequence ascending. All operations are safe for concurrent use and
// DequeueHighest hands each task to exactly one caller.
type Queue struct {
	mu    sync.Mutex
	items taskHeap
	index map[string]*queueItem // Task ID -> heap item
}

type queueItem struct {
	task *Task
	pos  int // Index in the heap, maintained by Swap
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		index: make(map[string]*queueItem),
	}
}

// Enqueue adds a task. Returns false if a task with the same ID is already queued.
func (q *Queue) Enqueue(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; exists {
		return false
	}
	item := &queueItem{task: task.Clone()}
	heap.Push(&q.items, item)
	q.index[task.ID] = item
	return true
}

// DequeueHighest removes and returns the highest-priority task.
// Non-blocking: returns false when the queue is empty.
func (q *Queue) DequeueHighest() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.index, item.task.ID)
	return item.task, true
}

// Remove withdraws a queued task. Returns false if it was not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.index[id]
	if !exists {
		return false
	}
	heap.Remove(&q.items, item.pos)
	delete(q.index, id)
	return true
}

// Contains reports whether a task is currently queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.index[id]
	return exists
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueuedTask is a read-only view of one queue entry.
type QueuedTask struct {
	ID            string
	Name          string
	Priority      Priority
	ScheduledTime time.Time
}

// Snapshot returns the queued tasks in dequeue order.
func (q *Queue) Snapshot() []QueuedTask {
	q.mu.Lock()
	cp := make(taskHeap, len(q.items))
	for i, item := range q.items {
		cp[i] = &queueItem{task: item.task, pos: i}
	}
	q.mu.Unlock()

	out := make([]QueuedTask, 0, len(cp))
	for cp.Len() > 0 {
		item := heap.Pop(&cp).(*queueItem)
		out = append(out, QueuedTask{
			ID:            item.task.ID,
			Name:          item.task.Name,
			Priority:      item.task.Priority,
			ScheduledTime: item.task.ScheduledTime,
		})
	}
	return out
}

// taskHeap implements heap.Interface.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledTime.Equal(b.ScheduledTime) {
		return a.ScheduledTime.Before(b.ScheduledTime)
	}
	return a.Seq < b.Seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.pos = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.pos = -1
	*h = old[:n-1]
	return item
}
