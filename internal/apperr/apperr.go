// Package apperr defines the closed failure taxonomy used by the pipeline
// and the mapping from arbitrary errors to a user-facing job error.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mediabrief/internal/models"
)

// Kind is a failure category. Each kind maps to one stable error code.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthRequired
	KindTooLong
	KindRateLimited
	KindTimeout
	KindInvalidMedia
	KindCancelled
)

// Error codes stored in the job error payload.
const (
	CodeAuthRequired = "youtube_auth_required"
	CodeTooLong      = "audio_too_long_for_model"
	CodeRateLimited  = "upstream_rate_limited"
	CodeTimeout      = "upstream_timeout"
	CodeInvalidMedia = "invalid_media_input"
	CodeCancelled    = "cancelled"
	CodeUnknown      = "processing_failed"
)

var (
	// ErrJobNotFound is returned when a job id does not exist or belongs to another owner.
	ErrJobNotFound = errors.New("job not found")
	// ErrConflict is returned when an operation is not allowed in the job's current status.
	ErrConflict = errors.New("job status conflict")
	// ErrRetryLimit is returned when a job used up its explicit retries.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrNotReady is returned when a result is requested before the job is done.
	ErrNotReady = errors.New("job result not ready")
	// ErrCancelled marks an attempt stopped at a stage boundary after a cancel request.
	ErrCancelled = errors.New("job cancelled")
)

// Error is a typed provider failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

type rule struct {
	kind   Kind
	needle []string
	all    bool
}

// Heuristics for opaque third-party failures, checked in order.
var rules = []rule{
	{kind: KindAuthRequired, needle: []string{"not a bot", "yt-dlp was blocked", "cookies"}},
	{kind: KindTooLong, needle: []string{"audio duration", "maximum for this model"}, all: true},
	{kind: KindRateLimited, needle: []string{"rate limit", "429"}},
	{kind: KindTimeout, needle: []string{"timeout", "timed out"}},
	{kind: KindInvalidMedia, needle: []string{"conversion failed"}},
}

func matchKind(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		hits := 0
		for _, n := range r.needle {
			if strings.Contains(lower, n) {
				hits++
			}
		}
		if (r.all && hits == len(r.needle)) || (!r.all && hits > 0) {
			return r.kind
		}
	}
	return KindUnknown
}

const (
	maxMessage      = 300
	maxDebugMessage = 600
)

// Classify maps a failure to the job error payload.
// Typed errors and context errors win; substring matching is the fallback.
func Classify(err error) *models.JobError {
	if err == nil {
		return nil
	}
	msg := err.Error()

	kind := KindOf(err)
	switch {
	case kind != KindUnknown:
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	default:
		kind = matchKind(msg)
	}

	je := &models.JobError{DebugMessage: truncate(msg, maxDebugMessage)}
	switch kind {
	case KindAuthRequired:
		je.Code = CodeAuthRequired
		je.Message = "YouTube requires valid cookies for this video. Please update YTDLP cookies and retry."
	case KindTooLong:
		je.Code = CodeTooLong
		je.Message = "Audio chunk exceeded model duration limits. Please retry."
		je.Retryable = true
	case KindRateLimited:
		je.Code = CodeRateLimited
		je.Message = "Upstream service rate-limited the request. Please retry shortly."
		je.Retryable = true
	case KindTimeout:
		je.Code = CodeTimeout
		je.Message = "Processing timed out. Please retry."
		je.Retryable = true
	case KindInvalidMedia:
		je.Code = CodeInvalidMedia
		je.Message = "Could not decode this media file. Please upload a valid audio/video format (mp3, m4a, wav, mp4, mov)."
	case KindCancelled:
		je.Code = CodeCancelled
		je.Message = "Job was cancelled."
	default:
		je.Code = CodeUnknown
		je.Message = truncate(msg, maxMessage)
		if je.Message == "" {
			je.Message = "Processing failed."
		}
	}
	return je
}

// Cancelled returns the error payload recorded on a cancelled job.
func Cancelled() *models.JobError {
	return Classify(ErrCancelled)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
