// Package ingestion accepts new work: it validates submissions, stages uploaded
// media, creates the job and hands it to the work dispatcher.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"mediabrief/internal/apperr"
	"mediabrief/internal/blobstore"
	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/pipeline"
	"mediabrief/internal/queue"
	"mediabrief/internal/storage"
	"mediabrief/internal/youtube"
)

var (
	// ErrInvalidInput is returned for a submission that can never be processed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload too large")
)

var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)

// Config holds submission limits and the delivery settings of new tasks.
type Config struct {
	UploadDir       string
	MaxUploadBytes  int64
	BlobTTL         time.Duration
	JobTimeout      time.Duration
	DeliveryRetries int
}

// Request carries the options common to every submission.
type Request struct {
	OwnerID  string
	Style    string
	Language string
}

// Submitter creates jobs.
type Submitter struct {
	store      storage.Store
	dispatcher queue.Dispatcher
	blobs      blobstore.Store
	cfg        Config
	log        logger.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(store storage.Store, dispatcher queue.Dispatcher, blobs blobstore.Store, cfg Config, log logger.Logger) *Submitter {
	return &Submitter{store: store, dispatcher: dispatcher, blobs: blobs, cfg: cfg, log: log}
}

// MaxUploadBytes returns the upload size limit.
func (s *Submitter) MaxUploadBytes() int64 {
	return s.cfg.MaxUploadBytes
}

// SubmitYouTube validates the URL and queues a YouTube job.
func (s *Submitter) SubmitYouTube(ctx context.Context, req Request, url string) (*models.Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	videoID, err := youtube.ValidateURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	job := &models.Job{
		OwnerID:      req.OwnerID,
		SourceType:   models.SourceTypeYouTube,
		SourceMeta:   models.SourceMeta{URL: url, VideoID: videoID},
		SummaryStyle: req.Style,
		Language:     req.Language,
	}
	return s.submit(ctx, job)
}

// submit persists the job and enqueues its pipeline entry. A job that cannot be
// enqueued is marked failed so the owner can retry it.
func (s *Submitter) submit(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	ctx = logger.WithJob(ctx, job.ID)

	entry, err := pipeline.EntryFor(job.SourceType)
	if err == nil {
		err = s.dispatcher.Enqueue(ctx, entry, job.ID, s.cfg.JobTimeout, s.cfg.DeliveryRetries)
	}
	if err != nil {
		s.log.Error(ctx, "enqueue failed: %v", err)
		jobErr := apperr.Classify(fmt.Errorf("enqueue: %w", err))
		if _, uerr := s.store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusQueued}, models.JobPatch{
			Status: models.Ptr(models.JobStatusError),
			Error:  jobErr,
		}); uerr != nil {
			s.log.Error(ctx, "mark unqueued job failed: %v", uerr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Info(ctx, "job submitted: source=%s style=%s lang=%s", job.SourceType, job.SummaryStyle, job.Language)
	return job, nil
}

func (r *Request) normalize() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	switch r.Style {
	case "":
		r.Style = models.SummaryStyleMedium
	case models.SummaryStyleShort, models.SummaryStyleMedium, models.SummaryStyleDetailed:
	default:
		return fmt.Errorf("%w: summary_style must be short|medium|detailed", ErrInvalidInput)
	}
	if r.Language == "" {
		r.Language = models.LanguageAuto
	}
	if r.Language != models.LanguageAuto && !languagePattern.MatchString(r.Language) {
		return fmt.Errorf("%w: language must be auto or a language code", ErrInvalidInput)
	}
	return nil
}
