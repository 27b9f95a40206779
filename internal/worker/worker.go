// Package worker runs pipeline tasks from the work queue on a fixed-size pool
// and schedules the periodic retention sweep.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mediabrief/internal/logger"
	"mediabrief/internal/queue"
)

// JobHandler runs one attempt for a job. A returned error means the attempt could not
// record its outcome (store unreachable and the like) and the task is redelivered.
type JobHandler func(ctx context.Context, jobID string) error

// Config sizes the pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	RetryBackoff []time.Duration
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Worker processes tasks from the queue.
type Worker struct {
	queue    queue.Queue
	handlers map[string]JobHandler
	cfg      Config
	log      logger.Logger
	cron     *cron.Cron
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewWorker creates a new worker pool.
func NewWorker(q queue.Queue, cfg Config, log logger.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		queue:    q,
		handlers: make(map[string]JobHandler),
		cfg:      cfg,
		log:      log,
		cron:     cron.New(cron.WithParser(cronParser)),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a pipeline entry.
func (w *Worker) RegisterHandler(entry string, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[entry] = handler
}

// ScheduleSweep runs sweep on the given cron schedule while the worker is started.
func (w *Worker) ScheduleSweep(schedule string, sweep func(ctx context.Context) error) error {
	_, err := w.cron.AddFunc(schedule, func() {
		if err := sweep(context.Background()); err != nil {
			w.log.Warn(context.Background(), "scheduled sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("worker: sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.cron.Start()
	w.log.Info(ctx, "worker started: concurrency=%d", w.cfg.Concurrency)
}

// Stop stops polling and waits for running attempts to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.cron.Stop().Done()
	w.wg.Wait()
	w.log.Info(context.Background(), "worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			// drain ready work before waiting for the next tick
			for w.processNextTask(ctx) {
				select {
				case <-w.stop:
					return
				default:
				}
			}
		}
	}
}

// processNextTask runs one task and reports whether there was one.
func (w *Worker) processNextTask(ctx context.Context) bool {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.log.Error(ctx, "error getting next task: %v", err)
		return false
	}
	if task == nil {
		return false
	}
	w.handle(ctx, *task)
	return true
}

func (w *Worker) handle(ctx context.Context, task queue.Task) {
	ctx = logger.WithJob(ctx, task.JobID)

	w.mu.RLock()
	handler, ok := w.handlers[task.Entry]
	w.mu.RUnlock()

	if !ok {
		w.log.Error(ctx, "no handler for entry: %s", task.Entry)
		w.ack(ctx, task)
		return
	}

	w.log.Info(ctx, "processing task: entry=%s attempt=%d", task.Entry, task.Attempt)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		// backstop so a stuck provider call cannot strand the worker
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	err := handler(runCtx, task.JobID)
	cancel()

	if err == nil {
		w.ack(ctx, task)
		return
	}
	w.handleTaskFailure(ctx, task, err)
}

func (w *Worker) handleTaskFailure(ctx context.Context, task queue.Task, taskErr error) {
	if task.Attempt < task.MaxRetries {
		delay := queue.Backoff(w.cfg.RetryBackoff, task.Attempt)
		if err := w.queue.Redeliver(ctx, task, delay); err != nil {
			w.log.Error(ctx, "error redelivering task: %v", err)
			w.ack(ctx, task)
			return
		}
		w.log.Warn(ctx, "task failed, redelivery %d/%d in %s: %v", task.Attempt+1, task.MaxRetries, delay, taskErr)
		return
	}
	w.log.Error(ctx, "task failed after %d deliveries: %v", task.Attempt+1, taskErr)
	w.ack(ctx, task)
}

func (w *Worker) ack(ctx context.Context, task queue.Task) {
	if err := w.queue.Ack(ctx, task.JobID); err != nil {
		w.log.Error(ctx, "error acking task: %v", err)
	}
}
