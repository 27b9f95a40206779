package pipeline

import (
	"context"
	"errors"
	"fmt"

	"mediabrief/internal/apperr"
	"mediabrief/internal/media"
	"mediabrief/internal/models"
	"mediabrief/internal/transcribe"
)

// attempt is the state of one pipeline execution for one job.
// It owns the scratch files and staged blob it references.
type attempt struct {
	o        *Orchestrator
	job      *models.Job
	progress int
	scratch  []string
	blobKey  string
}

// advance writes patch with the new progress, guarded on the job still running.
// This is the stage boundary where a cancel request is observed.
func (a *attempt) advance(ctx context.Context, progress int, patch models.JobPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress = max(progress, a.progress)
	patch.Progress = models.Ptr(progress)

	_, err := a.o.Store.Transition(ctx, a.job.ID, []models.JobStatus{models.JobStatusRunning}, patch)
	if errors.Is(err, apperr.ErrConflict) {
		if a.cancelRequested(ctx) {
			return apperr.ErrCancelled
		}
		return fmt.Errorf("pipeline: job %s left running: %w", a.job.ID, err)
	}
	if err != nil {
		return err
	}
	a.progress = progress
	return nil
}

// progressFunc reports progress from inside a stage. It never interrupts the stage;
// a cancel request is picked up at the next advance.
func (a *attempt) progressFunc(ctx context.Context) transcribe.ProgressFunc {
	return func(progress int) {
		if progress <= a.progress || ctx.Err() != nil {
			return
		}
		_, err := a.o.Store.Transition(ctx, a.job.ID, []models.JobStatus{models.JobStatusRunning},
			models.JobPatch{Progress: models.Ptr(progress)})
		if err != nil {
			a.o.Log.Debug(ctx, "progress %d not recorded: %v", progress, err)
			return
		}
		a.progress = progress
	}
}

// cancelRequested reloads the job and reports whether the user asked to stop it.
func (a *attempt) cancelRequested(ctx context.Context) bool {
	job, err := a.o.Store.Get(ctx, a.job.ID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == models.JobStatusCancelRequested || job.Status == models.JobStatusCancelled
}

// cleanup releases every scratch file and the staged blob, whatever the outcome.
func (a *attempt) cleanup(ctx context.Context) {
	media.RemoveAll(a.scratch)
	if a.blobKey == "" || a.o.Blobs == nil {
		return
	}
	if err := a.o.Blobs.Delete(context.WithoutCancel(ctx), a.blobKey); err != nil {
		a.o.Log.Warn(ctx, "remove upload blob %s: %v", a.blobKey, err)
	}
}
