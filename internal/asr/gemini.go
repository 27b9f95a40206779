package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"mediabrief/internal/logger"
	"mediabrief/internal/models"
)

const transcribePrompt = `Transcribe the speech in this audio verbatim.
Return JSON only, with this shape:
{"language": "<ISO 639-1 code>", "segments": [{"start": <seconds>, "end": <seconds>, "text": "<spoken text>"}]}
Segments must be in order and cover the whole recording.%s`

// generator is the part of gemini.Client used here.
type generator interface {
	Generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

// GeminiTranscriber sends audio chunks to Gemini as inline data.
type GeminiTranscriber struct {
	client generator
	log    logger.Logger
}

// NewGeminiTranscriber creates a GeminiTranscriber.
func NewGeminiTranscriber(client generator, log logger.Logger) *GeminiTranscriber {
	return &GeminiTranscriber{client: client, log: log}
}

type geminiTranscript struct {
	Language string           `json:"language"`
	Segments []models.Segment `json:"segments"`
	Text     string           `json:"text"`
}

// Transcribe uploads the chunk inline and parses the timed transcript.
// A reply that is not valid JSON is kept as plain text without segments.
func (g *GeminiTranscriber) Transcribe(ctx context.Context, chunkPath, language string) (*Result, error) {
	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, fmt.Errorf("asr: read chunk: %w", err)
	}

	hint := ""
	if language != "" && language != models.LanguageAuto {
		hint = fmt.Sprintf("\nThe spoken language is %q.", language)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(fmt.Sprintf(transcribePrompt, hint)),
			genai.NewPartFromBytes(data, "audio/mpeg"),
		}, genai.RoleUser),
	}
	text, err := g.client.Generate(ctx, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("asr: gemini transcribe: %w", err)
	}

	return parseGeminiTranscript(text), nil
}

func parseGeminiTranscript(raw string) *Result {
	raw = strings.TrimSpace(raw)
	var parsed geminiTranscript
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return &Result{Text: raw}
	}

	res := &Result{Language: parsed.Language}
	texts := make([]string, 0, len(parsed.Segments))
	lastStart := 0.0
	for _, seg := range parsed.Segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		// models occasionally emit a segment out of order; clamp to keep starts non-decreasing
		seg.Start = Round2(max(seg.Start, lastStart))
		seg.End = Round2(max(seg.End, seg.Start))
		lastStart = seg.Start
		res.Segments = append(res.Segments, seg)
		texts = append(texts, seg.Text)
	}

	res.Text = strings.Join(texts, " ")
	if res.Text == "" {
		res.Text = strings.TrimSpace(parsed.Text)
	}
	return res
}
