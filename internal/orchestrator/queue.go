package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// Queue is a bounded, thread-safe priority queue for tasks.
// Order is (priority desc, submitted_at asc). A configurable wait promotes
// a starving task's effective priority one level so low priorities are not
// starved forever; zero disables promotion.
type Queue struct {
	mu           sync.RWMutex
	tasks        []*types.Task
	index        map[string]*types.Task
	capacity     int
	promoteAfter time.Duration
	enqueuedAt   map[string]time.Time
}

// NewQueue creates a queue bounded to capacity
func NewQueue(capacity int, promoteAfter time.Duration) *Queue {
	return &Queue{
		tasks:        make([]*types.Task, 0),
		index:        make(map[string]*types.Task),
		capacity:     capacity,
		promoteAfter: promoteAfter,
		enqueuedAt:   make(map[string]time.Time),
	}
}

// Add inserts a task, maintaining priority order.
// A full queue rejects with queue_full.
func (q *Queue) Add(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) >= q.capacity {
		return types.E(types.ErrQueueFull, "queue at capacity (%d)", q.capacity)
	}
	q.tasks = append(q.tasks, task)
	q.index[task.ID] = task
	q.enqueuedAt[task.ID] = time.Now()
	q.sortLocked()
	return nil
}

// Peek returns the highest priority task without removing it
func (q *Queue) Peek() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	q.sortLocked()
	return q.tasks[0]
}

// Pop removes and returns the highest priority task
func (q *Queue) Pop() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	q.sortLocked()
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	delete(q.index, task.ID)
	delete(q.enqueuedAt, task.ID)
	return task
}

// Remove removes a task by ID
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[id]; !exists {
		return false
	}
	delete(q.index, id)
	delete(q.enqueuedAt, id)
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the task is queued
func (q *Queue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.index[id]
	return exists
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// effectivePriority promotes a task one level after the starvation window
func (q *Queue) effectivePriority(t *types.Task, now time.Time) types.TaskPriority {
	if q.promoteAfter <= 0 {
		return t.Priority
	}
	enq, ok := q.enqueuedAt[t.ID]
	if !ok {
		return t.Priority
	}
	if now.Sub(enq) >= q.promoteAfter && t.Priority < types.PriorityCritical {
		return t.Priority + 1
	}
	return t.Priority
}

// sortLocked orders by (effective priority desc, submitted_at asc).
// Caller must hold the write lock.
func (q *Queue) sortLocked() {
	now := time.Now()
	sort.SliceStable(q.tasks, func(i, j int) bool {
		pi := q.effectivePriority(q.tasks[i], now)
		pj := q.effectivePriority(q.tasks[j], now)
		if pi != pj {
			return pi > pj
		}
		return q.tasks[i].SubmittedAt.Before(q.tasks[j].SubmittedAt)
	})
}
