package summarize

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"mediabrief/internal/logger"
)

// MaxRetries is the number of extra in-place attempts for one LLM call.
const MaxRetries = 2

// LLM completes a system and user prompt pair with a JSON reply.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// generator is the part of gemini.Client used here.
type generator interface {
	Generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

// GeminiLLM adapts a Gemini client to LLM.
type GeminiLLM struct {
	client generator
	log    logger.Logger
}

// NewGeminiLLM creates a GeminiLLM.
func NewGeminiLLM(client generator, log logger.Logger) *GeminiLLM {
	return &GeminiLLM{client: client, log: log}
}

// Complete sends one JSON-mode request, retrying failures up to MaxRetries times.
func (g *GeminiLLM) Complete(ctx context.Context, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.3),
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		text, err := g.client.Generate(ctx, genai.Text(user), cfg)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		if attempt < MaxRetries {
			g.log.Warn(ctx, "llm retry: attempt=%d error=%v", attempt, err)
		}
	}
	return "", fmt.Errorf("summarize: llm call: %w", lastErr)
}
