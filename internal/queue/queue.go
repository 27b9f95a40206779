// Package queue is the work dispatcher: at-least-once delivery of pipeline
// tasks with per-job exclusivity, delayed redelivery and removal of pending
// work on cancel.
package queue

import (
	"context"
	"time"
)

// Pipeline entry points.
const (
	EntryYouTube = "youtube"
	EntryUpload  = "upload"
)

// Task is one unit of work for a job.
type Task struct {
	JobID      string        `json:"job_id"`
	Entry      string        `json:"entry"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	// Attempt counts deliveries, starting at 0.
	Attempt int `json:"attempt"`
}

// Dispatcher is the submission side used by the API and the control service.
type Dispatcher interface {
	Enqueue(ctx context.Context, entry, jobID string, timeout time.Duration, maxRetries int) error
	// Cancel removes pending work for jobID and reports whether any was removed.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Queue is the consumer side used by the worker pool.
type Queue interface {
	Dispatcher
	// Dequeue returns the next ready task or nil when none is ready.
	// The returned job is held exclusively until Ack.
	Dequeue(ctx context.Context) (*Task, error)
	// Redeliver schedules the task again after delay with Attempt incremented.
	Redeliver(ctx context.Context, task Task, delay time.Duration) error
	// Ack releases the job's exclusivity and forgets the task.
	Ack(ctx context.Context, jobID string) error
}

// Backoff returns the redelivery delay for the given attempt, reusing the
// last interval once the list is exhausted.
func Backoff(intervals []time.Duration, attempt int) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(intervals) {
		return intervals[len(intervals)-1]
	}
	return intervals[attempt]
}
