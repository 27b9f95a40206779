// Package transcribe turns a media file of any length into one ordered transcript
// by normalizing it, splitting it under the provider ceiling and stitching the
// per-chunk results back together.
package transcribe

import (
	"context"
	"fmt"
	"strings"

	"mediabrief/internal/asr"
	"mediabrief/internal/logger"
	"mediabrief/internal/media"
	"mediabrief/internal/models"
)

// Progress range covered by transcription within the whole job.
const (
	ProgressStart = 30
	ProgressEnd   = 80
)

// ProgressFunc receives overall job progress.
type ProgressFunc func(progress int)

// ChunkedTranscriber coordinates the transcoder and a chunk transcriber.
type ChunkedTranscriber struct {
	transcoder  media.Transcoder
	transcriber asr.Transcriber
	maxBytes    int64
	log         logger.Logger
}

// New creates a ChunkedTranscriber with the provider ceiling maxBytes.
func New(transcoder media.Transcoder, transcriber asr.Transcriber, maxBytes int64, log logger.Logger) *ChunkedTranscriber {
	return &ChunkedTranscriber{
		transcoder:  transcoder,
		transcriber: transcriber,
		maxBytes:    maxBytes,
		log:         log,
	}
}

// Transcribe normalizes path, splits it when needed and transcribes each chunk in order.
// Segment times are re-based onto the whole file. Every scratch file created here
// is removed before returning.
func (c *ChunkedTranscriber) Transcribe(ctx context.Context, path, language string, onProgress ProgressFunc) (*models.Transcript, error) {
	c.log.Info(ctx, "converting audio: %s", path)
	normalized, err := c.transcoder.Normalize(ctx, path)
	if err != nil {
		return nil, err
	}
	scratch := []string{normalized}
	defer func() { media.RemoveAll(scratch) }()

	chunks, err := c.transcoder.Split(ctx, normalized, c.maxBytes)
	if err != nil {
		return nil, err
	}
	for _, ch := range chunks {
		if ch != normalized {
			scratch = append(scratch, ch)
		}
	}

	total := len(chunks)
	c.log.Info(ctx, "transcription start: chunks=%d", total)

	var (
		texts     []string
		segments  []models.Segment
		detected  = "unknown"
		offset    float64
		lastEnd   float64
		estimated bool
	)
	for idx, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.log.Debug(ctx, "transcribing chunk %d/%d", idx+1, total)

		res, err := c.transcriber.Transcribe(ctx, chunk, language)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			c.log.Warn(ctx, "transcription retry: chunk=%d error=%v", idx, err)
			res, err = c.transcriber.Transcribe(ctx, chunk, language)
			if err != nil {
				return nil, fmt.Errorf("transcribe chunk %d/%d: %w", idx+1, total, err)
			}
		}

		texts = append(texts, res.Text)
		if res.Language != "" && res.Language != "unknown" {
			detected = res.Language
		}

		var (
			d    float64
			dErr error
			segs = res.Segments
		)
		if total > 1 {
			if d, dErr = c.transcoder.Duration(ctx, chunk); dErr != nil {
				c.log.Warn(ctx, "chunk duration unknown: chunk=%d error=%v", idx, dErr)
			}
			// text-only chunks get approximate segments inside their own window
			if len(segs) == 0 && d > 0 && strings.TrimSpace(res.Text) != "" {
				segs = EstimateSegments(res.Text, d)
				estimated = estimated || len(segs) > 0
			}
		}
		for _, seg := range segs {
			s := models.Segment{
				Start: asr.Round2(seg.Start + offset),
				End:   asr.Round2(seg.End + offset),
				Text:  seg.Text,
			}
			segments = append(segments, s)
			lastEnd = max(lastEnd, s.End)
		}

		if total > 1 {
			if dErr != nil {
				// the next chunk starts no earlier than anything already emitted
				offset = max(offset, lastEnd)
			} else {
				offset += d
			}
		}

		if onProgress != nil {
			onProgress(min(ProgressStart+(ProgressEnd-ProgressStart)*(idx+1)/total, ProgressEnd))
		}
	}

	source := models.TranscriptSourceASR
	if estimated {
		source = models.TranscriptSourceEstimatedSegments
	}
	return &models.Transcript{
		Text:     strings.TrimSpace(strings.Join(texts, " ")),
		Segments: segments,
		Language: detected,
		Source:   source,
	}, nil
}
