// Package pipeline drives one job from queued to a terminal status and
// exposes the control operations (get, cancel, retry, result) on jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediabrief/internal/apperr"
	"mediabrief/internal/blobstore"
	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/queue"
	"mediabrief/internal/storage"
	"mediabrief/internal/summarize"
	"mediabrief/internal/transcribe"
)

// Progress milestones of an attempt.
const (
	ProgressClaimed      = 5
	ProgressMetadata     = 10
	ProgressDownloading  = 15
	ProgressDownloaded   = 25
	ProgressCaptions     = 30
	ProgressTranscript   = 80
	ProgressSummarizing  = 85
	ProgressDone         = 100
	finalizeWriteTimeout = 30 * time.Second
)

// Fetcher resolves a YouTube URL into metadata, captions or an audio file.
type Fetcher interface {
	Metadata(ctx context.Context, url string) models.SourceMeta
	// Captions returns nil when no usable track exists.
	Captions(ctx context.Context, url, language string) (*models.Transcript, error)
	Download(ctx context.Context, url string) (string, error)
}

// Transcriber turns a local media file into a transcript, reporting overall job progress.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string, onProgress transcribe.ProgressFunc) (*models.Transcript, error)
}

// Summarizer produces the structured summary.
type Summarizer interface {
	Summarize(ctx context.Context, req summarize.Request) (*models.Summary, error)
}

// DurationProber reports media duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Sweeper is the opportunistic retention pass run at the start of each attempt.
type Sweeper interface {
	RunOpportunistic(ctx context.Context)
}

// Deps are the collaborators of an Orchestrator. Blobs and Sweeper may be nil.
type Deps struct {
	Store       storage.Store
	Blobs       blobstore.Store
	Fetcher     Fetcher
	Transcriber Transcriber
	Summarizer  Summarizer
	Prober      DurationProber
	Sweeper     Sweeper
	Log         logger.Logger
	// TempDir receives uploads restored from the blob store.
	TempDir string
}

// Orchestrator runs pipeline attempts.
type Orchestrator struct {
	Deps
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.TempDir == "" {
		deps.TempDir = os.TempDir()
	}
	return &Orchestrator{Deps: deps}
}

// EntryFor returns the pipeline entry for a job source type.
func EntryFor(sourceType string) (string, error) {
	switch sourceType {
	case models.SourceTypeYouTube:
		return queue.EntryYouTube, nil
	case models.SourceTypeUpload:
		return queue.EntryUpload, nil
	default:
		return "", fmt.Errorf("pipeline: unknown source type %q", sourceType)
	}
}

// RunYouTube runs one attempt of the YouTube pipeline.
// Pipeline failures are persisted on the job; only store failures are returned.
func (o *Orchestrator) RunYouTube(ctx context.Context, jobID string) error {
	return o.run(ctx, jobID, o.youtube)
}

// RunUpload runs one attempt of the upload pipeline.
// Pipeline failures are persisted on the job; only store failures are returned.
func (o *Orchestrator) RunUpload(ctx context.Context, jobID string) error {
	return o.run(ctx, jobID, o.upload)
}

type stageFunc func(ctx context.Context, a *attempt) error

func (o *Orchestrator) run(ctx context.Context, jobID string, body stageFunc) error {
	ctx = logger.WithJob(ctx, jobID)

	job, err := o.claim(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if o.Sweeper != nil {
		o.Sweeper.RunOpportunistic(ctx)
	}

	a := &attempt{o: o, job: job, progress: ProgressClaimed}
	defer a.cleanup(ctx)

	o.Log.Info(ctx, "%s job start: style=%s lang=%s", job.SourceType, job.SummaryStyle, job.Language)
	started := time.Now()
	runErr := body(ctx, a)
	if runErr == nil {
		o.Log.Info(ctx, "%s job done in %s", job.SourceType, time.Since(started).Round(time.Millisecond))
		return nil
	}
	return o.fail(ctx, a, runErr)
}

// claim moves the job to running. A missing job or one in another status is skipped.
func (o *Orchestrator) claim(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.Store.Transition(ctx, jobID,
		[]models.JobStatus{models.JobStatusQueued, models.JobStatusRunning},
		models.JobPatch{Status: models.Ptr(models.JobStatusRunning), Progress: models.Ptr(ProgressClaimed)})
	switch {
	case errors.Is(err, apperr.ErrJobNotFound):
		o.Log.Error(ctx, "job not found")
		return nil, nil
	case errors.Is(err, apperr.ErrConflict):
		o.Log.Info(ctx, "job not runnable, skipped: %v", err)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("pipeline: claim %s: %w", jobID, err)
	}
	return job, nil
}

// fail records the terminal status for a failed attempt.
// A pending cancel request wins over the failure.
func (o *Orchestrator) fail(ctx context.Context, a *attempt, runErr error) error {
	// the attempt context may already be dead from the job timeout
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeWriteTimeout)
	defer cancel()

	meta := a.job.SourceMeta.Scrubbed()
	if errors.Is(runErr, apperr.ErrCancelled) || a.cancelRequested(wctx) {
		_, err := o.Store.Transition(wctx, a.job.ID,
			[]models.JobStatus{models.JobStatusRunning, models.JobStatusCancelRequested},
			models.JobPatch{Status: models.Ptr(models.JobStatusCancelled), Progress: models.Ptr(0), SourceMeta: &meta})
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("pipeline: finalize cancel %s: %w", a.job.ID, err)
		}
		o.Log.Info(ctx, "job cancelled: code=%s", apperr.Cancelled().Code)
		return nil
	}

	jobErr := apperr.Classify(runErr)
	o.Log.Error(ctx, "%s job error: code=%s retryable=%t: %v", a.job.SourceType, jobErr.Code, jobErr.Retryable, runErr)
	if jobErr.Retryable && a.blobKey != "" {
		// hand the staged blob back to the job so a retry can restore it; its TTL still bounds it
		meta.BlobKey = a.blobKey
		a.blobKey = ""
	}
	_, err := o.Store.Transition(wctx, a.job.ID,
		[]models.JobStatus{models.JobStatusRunning},
		models.JobPatch{Status: models.Ptr(models.JobStatusError), Error: jobErr, SourceMeta: &meta})
	if err != nil && !errors.Is(err, apperr.ErrConflict) {
		return fmt.Errorf("pipeline: record error %s: %w", a.job.ID, err)
	}
	return nil
}

func (o *Orchestrator) youtube(ctx context.Context, a *attempt) error {
	url := a.job.SourceMeta.URL

	meta := o.Fetcher.Metadata(logger.WithStage(ctx, "metadata"), url)
	meta.URL = url
	if err := a.advance(ctx, ProgressMetadata, models.JobPatch{SourceMeta: &meta}); err != nil {
		return err
	}
	a.job.SourceMeta = meta
	o.Log.Info(ctx, "metadata fetched: title=%q", meta.Title)

	captions, err := o.Fetcher.Captions(logger.WithStage(ctx, "captions"), url, a.job.Language)
	if err != nil {
		return err
	}

	var transcript *models.Transcript
	if captions != nil && strings.TrimSpace(captions.Text) != "" {
		o.Log.Info(ctx, "captions found: lang=%s length=%d", captions.Language, len(captions.Text))
		if err := a.advance(ctx, ProgressCaptions, models.JobPatch{}); err != nil {
			return err
		}
		transcript = captions
	} else {
		o.Log.Info(ctx, "no captions, downloading audio")
		if err := a.advance(ctx, ProgressDownloading, models.JobPatch{}); err != nil {
			return err
		}
		path, err := o.Fetcher.Download(logger.WithStage(ctx, "download"), url)
		if err != nil {
			return err
		}
		a.scratch = append(a.scratch, path)
		if err := a.advance(ctx, ProgressDownloaded, models.JobPatch{}); err != nil {
			return err
		}

		transcript, err = o.Transcriber.Transcribe(logger.WithStage(ctx, "transcribe"), path, a.job.Language, a.progressFunc(ctx))
		if err != nil {
			return err
		}
		o.estimateSegments(ctx, transcript, path, meta.Duration)
	}

	return o.finish(ctx, a, transcript)
}

func (o *Orchestrator) upload(ctx context.Context, a *attempt) error {
	path, err := o.locateUpload(ctx, a)
	if err != nil {
		return err
	}
	if err := a.advance(ctx, ProgressDownloading, models.JobPatch{}); err != nil {
		return err
	}

	o.Log.Info(ctx, "transcribing upload: %s", path)
	transcript, err := o.Transcriber.Transcribe(logger.WithStage(ctx, "transcribe"), path, a.job.Language, a.progressFunc(ctx))
	if err != nil {
		return err
	}
	o.estimateSegments(ctx, transcript, path, 0)

	return o.finish(ctx, a, transcript)
}

// locateUpload returns the staged file, restoring it from the blob store when the
// local copy is gone (for example when the worker runs on another host).
func (o *Orchestrator) locateUpload(ctx context.Context, a *attempt) (string, error) {
	meta := a.job.SourceMeta
	a.blobKey = meta.BlobKey
	if meta.TmpPath != "" {
		a.scratch = append(a.scratch, meta.TmpPath)
		if _, err := os.Stat(meta.TmpPath); err == nil {
			return meta.TmpPath, nil
		}
	}
	if meta.BlobKey == "" || o.Blobs == nil {
		return "", fmt.Errorf("uploaded file not found: %q", meta.TmpPath)
	}

	data, err := o.Blobs.Get(ctx, meta.BlobKey)
	if err != nil {
		return "", fmt.Errorf("upload blob %s: %w", meta.BlobKey, err)
	}
	ext := filepath.Ext(meta.Filename)
	if ext == "" {
		ext = ".bin"
	}
	name := strings.TrimPrefix(meta.BlobKey, blobstore.KeyPrefix)
	restored := filepath.Join(o.TempDir, "restored_"+strings.TrimSuffix(name, filepath.Ext(name))+ext)
	if err := os.WriteFile(restored, data, 0o600); err != nil {
		return "", fmt.Errorf("restore upload: %w", err)
	}
	a.scratch = append(a.scratch, restored)
	o.Log.Info(ctx, "upload restored from blob store: key=%s", meta.BlobKey)
	return restored, nil
}

// estimateSegments fills approximate segments when the provider returned text only.
func (o *Orchestrator) estimateSegments(ctx context.Context, t *models.Transcript, path string, duration float64) {
	if len(t.Segments) > 0 || strings.TrimSpace(t.Text) == "" {
		return
	}
	if duration <= 0 && o.Prober != nil {
		d, err := o.Prober.Duration(ctx, path)
		if err != nil {
			o.Log.Warn(ctx, "duration probe failed, keeping transcript without segments: %v", err)
			return
		}
		duration = d
	}
	if segs := transcribe.EstimateSegments(t.Text, duration); len(segs) > 0 {
		t.Segments = segs
		t.Source = models.TranscriptSourceEstimatedSegments
		o.Log.Info(ctx, "estimated %d segments over %.1fs", len(segs), duration)
	}
}

// finish persists the transcript, summarizes and marks the job done.
func (o *Orchestrator) finish(ctx context.Context, a *attempt, transcript *models.Transcript) error {
	if transcript.Segments == nil {
		transcript.Segments = []models.Segment{}
	}
	if err := a.advance(ctx, ProgressTranscript, models.JobPatch{Transcript: transcript}); err != nil {
		return err
	}
	if err := a.advance(ctx, ProgressSummarizing, models.JobPatch{}); err != nil {
		return err
	}

	o.Log.Info(ctx, "summarizing: style=%s lang=%s", a.job.SummaryStyle, a.job.Language)
	summary, err := o.Summarizer.Summarize(logger.WithStage(ctx, "summarize"), summarize.Request{
		Text:             transcript.Text,
		Style:            a.job.SummaryStyle,
		Language:         a.job.Language,
		DetectedLanguage: transcript.Language,
		Segments:         transcript.Segments,
	})
	if err != nil {
		return err
	}

	meta := a.job.SourceMeta.Scrubbed()
	return a.advance(ctx, ProgressDone, models.JobPatch{
		Status:     models.Ptr(models.JobStatusDone),
		Summary:    summary,
		SourceMeta: &meta,
	})
}
