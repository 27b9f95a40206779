package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mediabrief/internal/logger"
	"mediabrief/internal/queue"
)

func TestWorker_RunsAndAcks(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	w := NewWorker(q, Config{}, logger.Nop())

	var got []string
	var deadline bool
	w.RegisterHandler(queue.EntryUpload, func(ctx context.Context, jobID string) error {
		got = append(got, jobID)
		_, deadline = ctx.Deadline()
		return nil
	})

	q.Enqueue(ctx, queue.EntryUpload, "job-1", time.Minute, 2)
	if !w.processNextTask(ctx) {
		t.Fatal("no task processed")
	}
	if len(got) != 1 || got[0] != "job-1" || !deadline {
		t.Errorf("handled %v, deadline=%v", got, deadline)
	}
	if w.processNextTask(ctx) {
		t.Error("processed a task from an empty queue")
	}

	// the job is released, so a new task for it can run
	q.Enqueue(ctx, queue.EntryUpload, "job-1", 0, 0)
	if !w.processNextTask(ctx) {
		t.Error("job stayed locked after ack")
	}
}

func TestWorker_RedeliversUntilMaxRetries(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	w := NewWorker(q, Config{RetryBackoff: []time.Duration{0}}, logger.Nop())

	calls := 0
	w.RegisterHandler(queue.EntryYouTube, func(context.Context, string) error {
		calls++
		return errors.New("db: connection refused")
	})

	q.Enqueue(ctx, queue.EntryYouTube, "job-1", time.Minute, 2)
	for w.processNextTask(ctx) {
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 1 + 2 redeliveries", calls)
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d after giving up", q.Len())
	}
}

func TestWorker_UnknownEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	w := NewWorker(q, Config{}, logger.Nop())

	q.Enqueue(ctx, "rss", "job-1", 0, 3)
	if !w.processNextTask(ctx) {
		t.Fatal("no task processed")
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d", q.Len())
	}
}

func TestWorker_StartStop(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	w := NewWorker(q, Config{Concurrency: 2, PollInterval: 5 * time.Millisecond}, logger.Nop())

	var handled atomic.Int32
	done := make(chan struct{}, 3)
	w.RegisterHandler(queue.EntryUpload, func(context.Context, string) error {
		handled.Add(1)
		done <- struct{}{}
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, queue.EntryUpload, id, 0, 0)
	}

	w.Start(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d tasks handled", handled.Load())
		}
	}
	w.Stop()
}

func TestWorker_ScheduleSweep(t *testing.T) {
	w := NewWorker(queue.NewMemoryQueue(), Config{}, logger.Nop())
	if err := w.ScheduleSweep("*/10 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
	if err := w.ScheduleSweep("every ten minutes", func(context.Context) error { return nil }); err == nil {
		t.Error("invalid schedule accepted")
	}
}
