package pipeline

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
	"mediabrief/internal/queue"
	"mediabrief/internal/storage"
)

// ServiceConfig holds the job policy applied by the control operations.
type ServiceConfig struct {
	MaxUserRetries  int
	JobTimeout      time.Duration
	DeliveryRetries int
}

// Service implements the control operations a job owner may perform.
type Service struct {
	store      storage.Store
	dispatcher queue.Dispatcher
	blobs      blobstore.Store
	cfg        ServiceConfig
	log        logger.Logger
}

// NewService creates a Service. blobs may be nil.
func NewService(store storage.Store, dispatcher queue.Dispatcher, blobs blobstore.Store, cfg ServiceConfig, log logger.Logger) *Service {
	return &Service{store: store, dispatcher: dispatcher, blobs: blobs, cfg: cfg, log: log}
}

// Result is the output of a finished job.
type Result struct {
	Source     models.SourceMeta  `json:"source"`
	Transcript *models.Transcript `json:"transcript"`
	Summary    *models.Summary    `json:"summary"`
}

// FailedError is returned by Result for a job that ended in error.
type FailedError struct {
	Payload *models.JobError
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job failed: %s: %s", e.Payload.Code, e.Payload.Message)
}

// Get returns the job if it belongs to owner. An empty owner skips the ownership check.
func (s *Service) Get(ctx context.Context, owner, id string) (*models.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || (owner != "" && job.OwnerID != owner) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	}
	return job, nil
}

// Cancel stops a job. A queued job is removed from the dispatcher and cancelled at once;
// a running job is asked to stop at its next stage boundary. Any other status is a conflict.
func (s *Service) Cancel(ctx context.Context, owner, id string) (*models.Job, error) {
	job, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithJob(ctx, id)

	if job.Status == models.JobStatusQueued {
		removed, err := s.dispatcher.Cancel(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("cancel: dispatcher: %w", err)
		}
		meta := job.SourceMeta.Scrubbed()
		cancelled, err := s.store.Transition(ctx, id, []models.JobStatus{models.JobStatusQueued}, models.JobPatch{
			Status:     models.Ptr(models.JobStatusCancelled),
			Progress:   models.Ptr(0),
			SourceMeta: &meta,
		})
		if err == nil {
			s.releaseStaged(ctx, job.SourceMeta)
			s.log.Info(ctx, "queued job cancelled: task_removed=%t", removed)
			return cancelled, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		// a worker claimed it in between
	}

	requested, err := s.store.Transition(ctx, id, []models.JobStatus{models.JobStatusRunning}, models.JobPatch{
		Status: models.Ptr(models.JobStatusCancelRequested),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "cancel requested")
	return requested, nil
}

// Retry re-queues a failed job under the same id.
func (s *Service) Retry(ctx context.Context, owner, id string) (*models.Job, error) {
	job, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusError {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", apperr.ErrConflict, job.Status)
	}
	if s.cfg.MaxUserRetries > 0 && job.RetryCount >= s.cfg.MaxUserRetries {
		return nil, fmt.Errorf("%w: %d of %d used", apperr.ErrRetryLimit, job.RetryCount, s.cfg.MaxUserRetries)
	}
	entry, err := EntryFor(job.SourceType)
	if err != nil {
		return nil, err
	}

	queued, err := s.store.Transition(ctx, id, []models.JobStatus{models.JobStatusError}, models.JobPatch{
		Status:       models.Ptr(models.JobStatusQueued),
		Progress:     models.Ptr(0),
		RetryCount:   models.Ptr(job.RetryCount + 1),
		ClearResults: true,
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Enqueue(ctx, entry, id, s.cfg.JobTimeout, s.cfg.DeliveryRetries); err != nil {
		// put the job back so the user can try again
		if _, rerr := s.store.Transition(ctx, id, []models.JobStatus{models.JobStatusQueued}, models.JobPatch{
			Status:     models.Ptr(models.JobStatusError),
			Error:      job.Error,
			RetryCount: models.Ptr(job.RetryCount),
		}); rerr != nil {
			s.log.Error(logger.WithJob(ctx, id), "restore failed job after enqueue error: %v", rerr)
		}
		return nil, fmt.Errorf("retry: enqueue: %w", err)
	}
	s.log.Info(logger.WithJob(ctx, id), "job re-queued: retry %d", queued.RetryCount)
	return queued, nil
}

// Result returns the output of a done job, a *FailedError for a failed one
// and apperr.ErrNotReady otherwise.
func (s *Service) Result(ctx context.Context, owner, id string) (*Result, error) {
	job, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusDone:
		return &Result{Source: job.SourceMeta, Transcript: job.Transcript, Summary: job.Summary}, nil
	case models.JobStatusError:
		payload := job.Error
		if payload == nil {
			payload = &models.JobError{Code: apperr.CodeUnknown, Message: "Processing failed."}
		}
		return nil, &FailedError{Payload: payload}
	default:
		return nil, fmt.Errorf("%w: job is %s", apperr.ErrNotReady, job.Status)
	}
}

// releaseStaged removes the upload of a job that never ran.
func (s *Service) releaseStaged(ctx context.Context, meta models.SourceMeta) {
	if meta.TmpPath != "" {
		if err := os.Remove(meta.TmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn(ctx, "remove staged file %s: %v", meta.TmpPath, err)
		}
	}
	if meta.BlobKey != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, meta.BlobKey); err != nil {
			s.log.Warn(ctx, "remove staged blob %s: %v", meta.BlobKey, err)
		}
	}
}
