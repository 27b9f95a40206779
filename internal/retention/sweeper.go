// Package retention bounds storage growth: it deletes expired terminal jobs,
// heals staged blobs that lost their expiry and finalizes jobs that no live
// worker owns anymore.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"mediabrief/internal/apperr"
	"mediabrief/internal/blobstore"
	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/storage"
)

// LockKey is the name of the cross-worker sweep lock.
const LockKey = "maintenance:retention_cleanup_lock"

const minLockTTL = 60 * time.Second

// Config tunes a Sweeper.
type Config struct {
	Retention   time.Duration
	Interval    time.Duration
	BatchSize   int
	BlobTTL     time.Duration
	CancelGrace time.Duration

	// StaleRunning is how long a running job may go without an update before
	// its worker is presumed dead. Zero disables the check.
	StaleRunning time.Duration
}

// Result reports what one sweep did.
type Result struct {
	Skipped    bool
	Deleted    int
	Normalized int
	Finalized  int
	TimedOut   int
}

// Sweeper runs retention passes. A pass is skipped when another worker holds the lock.
type Sweeper struct {
	store  storage.Store
	blobs  blobstore.Store
	locker Locker
	log    logger.Logger
	cfg    Config
	now    func() time.Time
}

// NewSweeper creates a Sweeper. blobs may be nil.
func NewSweeper(store storage.Store, blobs blobstore.Store, locker Locker, log logger.Logger, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{store: store, blobs: blobs, locker: locker, log: log, cfg: cfg, now: time.Now}
}

// Run performs one pass. A pass may stop early; remaining work is left for the next one.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result

	ttl := max(minLockTTL, s.cfg.Interval)
	ok, err := s.locker.TryLock(ctx, LockKey, ttl)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}

	now := s.now().UTC()
	var errs []error

	deleted, err := s.deleteExpired(ctx, now)
	res.Deleted = deleted
	if err != nil {
		errs = append(errs, err)
	}

	if s.cfg.CancelGrace > 0 {
		finalized, err := s.finalizeStaleCancels(ctx, now)
		res.Finalized = finalized
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.cfg.StaleRunning > 0 {
		timedOut, err := s.failStaleRunning(ctx, now)
		res.TimedOut = timedOut
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.blobs != nil && s.cfg.BlobTTL > 0 {
		n, err := s.blobs.NormalizeTTL(ctx, s.cfg.BlobTTL)
		res.Normalized = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if res.Deleted > 0 || res.Normalized > 0 || res.Finalized > 0 || res.TimedOut > 0 {
		s.log.Info(ctx, "retention sweep: deleted=%d blob_ttl_normalized=%d cancels_finalized=%d running_timed_out=%d",
			res.Deleted, res.Normalized, res.Finalized, res.TimedOut)
	}
	return res, errors.Join(errs...)
}

// RunOpportunistic runs a pass and only logs failures, for use at the start of an attempt.
func (s *Sweeper) RunOpportunistic(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		s.log.Warn(ctx, "retention sweep failed: %v", err)
	}
}

func (s *Sweeper) deleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.Retention)
	jobs, err := s.store.ListOlderThan(ctx, cutoff, models.TerminalStatuses, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("retention: list expired: %w", err)
	}

	deleted := 0
	for _, job := range jobs {
		// the listing already filters on created_at; keep the guard next to the delete
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		s.releaseScratch(ctx, job.SourceMeta)
		if err := s.store.Delete(ctx, job.ID); err != nil {
			return deleted, fmt.Errorf("retention: delete %s: %w", job.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Sweeper) finalizeStaleCancels(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.CancelGrace)
	jobs, err := s.store.ListUpdatedBefore(ctx, cutoff, []models.JobStatus{models.JobStatusCancelRequested}, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("retention: list stale cancels: %w", err)
	}

	finalized := 0
	for _, job := range jobs {
		_, err := s.store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusCancelRequested}, models.JobPatch{
			Status:   models.Ptr(models.JobStatusCancelled),
			Progress: models.Ptr(0),
		})
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return finalized, fmt.Errorf("retention: finalize cancel %s: %w", job.ID, err)
		}
		s.log.Warn(logger.WithJob(ctx, job.ID), "cancel not honored within %v, finalized by sweeper", s.cfg.CancelGrace)
		finalized++
	}
	return finalized, nil
}

// failStaleRunning ends running jobs whose worker went away mid-attempt, for
// example a crash after the task left the queue. The job becomes a retryable
// timeout so the owner can resubmit it.
func (s *Sweeper) failStaleRunning(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.StaleRunning)
	jobs, err := s.store.ListUpdatedBefore(ctx, cutoff, []models.JobStatus{models.JobStatusRunning}, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("retention: list stale running: %w", err)
	}

	failed := 0
	for _, job := range jobs {
		_, err := s.store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobPatch{
			Status: models.Ptr(models.JobStatusError),
			Error: &models.JobError{
				Code:         apperr.CodeTimeout,
				Message:      "Processing timed out. Please retry.",
				DebugMessage: fmt.Sprintf("no progress since %s", job.UpdatedAt.Format(time.RFC3339)),
				Retryable:    true,
			},
		})
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("retention: fail stale job %s: %w", job.ID, err)
		}
		s.log.Warn(logger.WithJob(ctx, job.ID), "running job without progress for %v, marked as timed out", s.cfg.StaleRunning)
		failed++
	}
	return failed, nil
}

// releaseScratch removes leftovers of jobs that never ran, such as uploads cancelled while queued.
func (s *Sweeper) releaseScratch(ctx context.Context, meta models.SourceMeta) {
	if meta.TmpPath != "" {
		if err := os.Remove(meta.TmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn(ctx, "remove scratch file %s: %v", meta.TmpPath, err)
		}
	}
	if meta.BlobKey != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, meta.BlobKey); err != nil {
			s.log.Warn(ctx, "remove blob %s: %v", meta.BlobKey, err)
		}
	}
}
