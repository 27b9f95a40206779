package queue

import (
	"context"
	"sync"
	"time"
)

type delayedTask struct {
	task  Task
	ready time.Time
}

// MemoryQueue is an in-process Queue for single-binary deployments and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Task
	delayed []delayedTask
	active  map[string]bool
	now     func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{active: make(map[string]bool), now: time.Now}
}

// Enqueue adds a task, replacing any pending task for the same job.
func (q *MemoryQueue) Enqueue(_ context.Context, entry, jobID string, timeout time.Duration, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(jobID)
	q.pending = append(q.pending, Task{JobID: jobID, Entry: entry, Timeout: timeout, MaxRetries: maxRetries})
	return nil
}

// Cancel removes pending and delayed work for jobID.
func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(jobID), nil
}

func (q *MemoryQueue) removeLocked(jobID string) bool {
	removed := false
	pending := q.pending[:0]
	for _, t := range q.pending {
		if t.JobID == jobID {
			removed = true
			continue
		}
		pending = append(pending, t)
	}
	q.pending = pending

	delayed := q.delayed[:0]
	for _, d := range q.delayed {
		if d.task.JobID == jobID {
			removed = true
			continue
		}
		delayed = append(delayed, d)
	}
	q.delayed = delayed
	return removed
}

// Dequeue returns the first ready task whose job is not already active.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	delayed := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.ready.After(now) {
			q.pending = append(q.pending, d.task)
			continue
		}
		delayed = append(delayed, d)
	}
	q.delayed = delayed

	for i, t := range q.pending {
		if q.active[t.JobID] {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.active[t.JobID] = true
		return &t, nil
	}
	return nil, nil
}

// Redeliver schedules task after delay and releases its exclusivity.
func (q *MemoryQueue) Redeliver(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Attempt++
	delete(q.active, task.JobID)
	q.delayed = append(q.delayed, delayedTask{task: task, ready: q.now().Add(delay)})
	return nil
}

// Ack releases the job's exclusivity.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, jobID)
	return nil
}

// Len returns the number of pending and delayed tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.delayed)
}
