// Package gemini wraps the genai SDK with API key rotation.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"mediabrief/internal/apperr"
	"mediabrief/internal/logger"
)

// ErrNoKeys is returned when no API key is configured.
var ErrNoKeys = errors.New("gemini: no API keys configured")

type generateFunc func(ctx context.Context, key, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client calls Gemini, rotating API keys on quota errors.
type Client struct {
	keys     []string
	model    string
	log      logger.Logger
	generate generateFunc

	mu         sync.Mutex
	currentKey int
	clients    map[string]*genai.Client
}

// New creates a Client for model using the given API keys.
func New(keys []string, model string, log logger.Logger) (*Client, error) {
	var clean []string
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoKeys
	}
	c := &Client{
		keys:    clean,
		model:   model,
		log:     log,
		clients: make(map[string]*genai.Client),
	}
	c.generate = c.callSDK
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) sdkClient(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	cl, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	c.clients[key] = cl
	return cl, nil
}

func (c *Client) callSDK(ctx context.Context, key, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	cl, err := c.sdkClient(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return cl.Models.GenerateContent(ctx, model, contents, cfg)
}

// Generate sends contents and returns the concatenated text of the first candidate.
// A quota error moves on to the next key; once every key has been tried the
// last error is returned as a rate-limit failure.
func (c *Client) Generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	var lastErr error

	for range len(c.keys) {
		idx, key := c.key()

		result, err := c.generate(ctx, key, c.model, contents, cfg)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if IsRateLimited(err) {
				c.log.Warn(ctx, "Key %d rate limited, rotating...", idx+1)
				c.rotateKey(idx)
				lastErr = err
				continue
			}
			return "", fmt.Errorf("generate content: %w", err)
		}

		if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
			var text strings.Builder
			for _, part := range result.Candidates[0].Content.Parts {
				if part != nil && part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			return text.String(), nil
		}

		return "", fmt.Errorf("empty response from Gemini")
	}

	return "", apperr.Errorf(apperr.KindRateLimited, "gemini", "all API keys exhausted: %v", lastErr)
}

func (c *Client) key() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentKey, c.keys[c.currentKey]
}

// rotateKey advances past idx unless another caller already did.
func (c *Client) rotateKey(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentKey == idx {
		c.currentKey = (c.currentKey + 1) % len(c.keys)
	}
}

// IsRateLimited reports whether err is a Gemini quota failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
