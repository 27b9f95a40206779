// Package summarize produces the structured summary of a transcript with a
// map-reduce over an LLM, plus an optional timestamp extraction pass.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/textutil"
)

// Config tunes a Summarizer. Zero values take the defaults.
type Config struct {
	ChunkTokens       int
	CharsPerToken     int
	TimestampMaxChars int
	MapConcurrency    int
}

func (c Config) withDefaults() Config {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = 10000
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.TimestampMaxChars <= 0 {
		c.TimestampMaxChars = 30000
	}
	if c.MapConcurrency <= 0 {
		c.MapConcurrency = 4
	}
	return c
}

// minTimestampSegments is the segment count above which the timestamp pass runs.
const minTimestampSegments = 3

// Request is the input of one summarization.
type Request struct {
	Text             string
	Style            string
	Language         string
	DetectedLanguage string
	Segments         []models.Segment
}

// ChunkAnalysis is the map-step output for one chunk.
type ChunkAnalysis struct {
	Index       int      `json:"-"`
	MainIdeas   []string `json:"main_ideas"`
	KeyDetails  []string `json:"key_details"`
	ActionItems []string `json:"action_items"`
	Terms       []string `json:"terms"`
}

// Summarizer runs map-reduce summarization.
type Summarizer struct {
	llm LLM
	cfg Config
	log logger.Logger
}

// New creates a Summarizer.
func New(llm LLM, cfg Config, log logger.Logger) *Summarizer {
	return &Summarizer{llm: llm, cfg: cfg.withDefaults(), log: log}
}

// EstimateTokens approximates the token count of text.
func (s *Summarizer) EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / s.cfg.CharsPerToken
}

// Summarize returns a summary with every field present.
func (s *Summarizer) Summarize(ctx context.Context, req Request) (*models.Summary, error) {
	langInstruction := LanguageInstruction(req.Language, req.DetectedLanguage)

	chunks := ChunkText(req.Text, s.cfg.ChunkTokens*s.cfg.CharsPerToken)
	s.log.Info(ctx, "summarization start: chunks=%d style=%s lang=%s", len(chunks), req.Style, req.Language)

	var (
		summary *models.Summary
		err     error
	)
	if len(chunks) <= 1 {
		summary, err = s.complete(ctx, synthesisSystem(req.Style, langInstruction), "Transcript:\n\n"+req.Text)
	} else {
		var analyses []ChunkAnalysis
		analyses, err = s.mapChunks(ctx, chunks)
		if err == nil {
			summary, err = s.Synthesize(ctx, analyses, req.Style, langInstruction)
		}
	}
	if err != nil {
		return nil, err
	}

	if len(req.Segments) > minTimestampSegments {
		annotated := TimestampedText(req.Segments, s.cfg.TimestampMaxChars)
		marks, err := s.ExtractTimestamps(ctx, annotated, langInstruction)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn(ctx, "timestamp extraction failed: %v", err)
		} else {
			summary.Timestamps = marks
		}
	}

	summary.Normalize()
	return summary, nil
}

// AnalyzeChunk extracts the bounded analysis of one chunk.
func (s *Summarizer) AnalyzeChunk(ctx context.Context, idx, total int, text string) (ChunkAnalysis, error) {
	user := fmt.Sprintf("Section %d/%d:\n\n%s", idx+1, total, text)
	var a ChunkAnalysis
	if err := s.completeInto(ctx, chunkSystem, user, &a); err != nil {
		return ChunkAnalysis{}, fmt.Errorf("analyze chunk %d/%d: %w", idx+1, total, err)
	}
	a.Index = idx
	return a, nil
}

// Synthesize reduces chunk analyses, in chunk order, to one summary.
func (s *Summarizer) Synthesize(ctx context.Context, analyses []ChunkAnalysis, style string, langInstruction string) (*models.Summary, error) {
	parts := make([]string, 0, len(analyses))
	for _, a := range analyses {
		body, err := json.MarshalIndent(a, "", " ")
		if err != nil {
			return nil, fmt.Errorf("summarize: encode analysis %d: %w", a.Index, err)
		}
		parts = append(parts, fmt.Sprintf("=== Section %d ===\n%s", a.Index+1, body))
	}
	return s.complete(ctx, synthesisSystem(style, langInstruction), "Section analyses:\n\n"+strings.Join(parts, "\n\n"))
}

// ExtractTimestamps picks the notable moments of a timestamp-annotated transcript.
func (s *Summarizer) ExtractTimestamps(ctx context.Context, annotated, langInstruction string) ([]models.TimestampMark, error) {
	raw, err := s.llm.Complete(ctx, fmt.Sprintf(timestampTemplate, langInstruction), annotated)
	if err != nil {
		return nil, err
	}
	return parseTimestamps(raw)
}

// mapChunks analyzes chunks with bounded concurrency. Results keep chunk order.
func (s *Summarizer) mapChunks(ctx context.Context, chunks []string) ([]ChunkAnalysis, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := newSemaphore(s.cfg.MapConcurrency)
	results := make([]ChunkAnalysis, len(chunks))

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, chunk := range chunks {
		if err := sem.acquire(ctx); err != nil {
			fail(err)
			break
		}
		wg.Add(1)
		go func(i int, chunk string) {
			defer wg.Done()
			defer sem.release()
			s.log.Debug(ctx, "map chunk %d/%d", i+1, len(chunks))
			a, err := s.AnalyzeChunk(ctx, i, len(chunks), chunk)
			if err != nil {
				fail(err)
				return
			}
			results[i] = a
		}(i, chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// complete calls the LLM and decodes a summary, retrying unparseable replies.
func (s *Summarizer) complete(ctx context.Context, system, user string) (*models.Summary, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		raw, err := s.llm.Complete(ctx, system, user)
		if err != nil {
			return nil, err
		}
		summary, err := decodeSummary(raw)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		s.log.Warn(ctx, "unparseable summary reply: attempt=%d error=%v", attempt, err)
	}
	return nil, lastErr
}

func (s *Summarizer) completeInto(ctx context.Context, system, user string, v any) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		raw, err := s.llm.Complete(ctx, system, user)
		if err != nil {
			return err
		}
		if lastErr = ParseJSON(raw, v); lastErr == nil {
			return nil
		}
		s.log.Warn(ctx, "unparseable analysis reply: attempt=%d error=%v", attempt, lastErr)
	}
	return lastErr
}

// ChunkText splits text into pieces of at most maxChars at sentence boundaries.
// A single sentence longer than maxChars becomes its own chunk.
func ChunkText(text string, maxChars int) []string {
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var (
		chunks  []string
		current []string
		curLen  int
	)
	for _, sentence := range textutil.SplitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if len(current) > 0 && curLen+1+n > maxChars {
			chunks = append(chunks, strings.Join(current, " "))
			current = []string{sentence}
			curLen = n
			continue
		}
		if len(current) > 0 {
			curLen++ // joining space
		}
		current = append(current, sentence)
		curLen += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// TimestampedText renders segments as "[HH:MM:SS] text" lines up to maxChars.
func TimestampedText(segments []models.Segment, maxChars int) string {
	var lines []string
	total := 0
	for _, seg := range segments {
		line := fmt.Sprintf("[%s] %s", SecondsToHMS(seg.Start), seg.Text)
		total += utf8.RuneCountInString(line)
		if total > maxChars {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// SecondsToHMS formats whole seconds as HH:MM:SS.
func SecondsToHMS(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// semaphore implements a simple counting semaphore for limiting concurrency
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{ch: make(chan struct{}, capacity)}
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	<-s.ch
}
