// Package asr holds the speech-to-text providers applied to one audio chunk.
package asr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mediabrief/internal/config"
	"mediabrief/internal/gemini"
	"mediabrief/internal/logger"
	"mediabrief/internal/media"
)

// Transcriber turns one audio chunk into text. Segments are optional.
type Transcriber interface {
	Transcribe(ctx context.Context, chunkPath, language string) (*Result, error)
}

// New builds the transcriber selected by cfg.Provider.
func New(cfg config.TranscriptionConfig, keys []string, ffmpeg *media.FFmpeg, log logger.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case "gemini":
		client, err := gemini.New(keys, cfg.Model, log)
		if err != nil {
			return nil, fmt.Errorf("asr: %w", err)
		}
		return NewGeminiTranscriber(client, log), nil
	case "sherpa":
		return NewSherpaTranscriber(&SherpaConfig{
			ModelDir:   cfg.SherpaModelDir,
			NumThreads: cfg.SherpaThreads,
		}, ffmpeg, log)
	default:
		return nil, fmt.Errorf("asr: unknown provider %q", cfg.Provider)
	}
}

// findModelFile searches for a model file in the given directory
// Returns the first matching file path or empty string if not found
func findModelFile(dir string, candidates []string) string {
	for _, candidate := range candidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
