package summarize

import (
	"fmt"

	"mediabrief/internal/models"
)

var styleInstructions = map[string]string{
	models.SummaryStyleShort:    "Create a very concise summary: 2-3 sentence TL;DR, 3-5 key points, brief outline. Skip action items if none obvious.",
	models.SummaryStyleMedium:   "Create a balanced summary: 3-5 sentence TL;DR, 5-8 key points, structured outline with subsections. Include action items if present.",
	models.SummaryStyleDetailed: "Create a comprehensive detailed summary: thorough TL;DR paragraph, 8-15 key points, detailed outline with nested subsections, all action items, and important quotes.",
}

// StyleInstruction returns the length guidance for style, falling back to medium.
func StyleInstruction(style string) string {
	if s, ok := styleInstructions[style]; ok {
		return s
	}
	return styleInstructions[models.SummaryStyleMedium]
}

var languageNames = map[string]string{
	"en": "English",
	"ru": "Russian (Русский)",
	"de": "German (Deutsch)",
	"es": "Spanish (Español)",
	"fr": "French (Français)",
	"ja": "Japanese (日本語)",
}

// LanguageInstruction tells the model which language to write in.
// "auto" or an empty language matches the transcript.
func LanguageInstruction(language, detected string) string {
	if language == "" || language == models.LanguageAuto {
		if detected == "" {
			detected = "unknown"
		}
		return fmt.Sprintf("Use the same language as the transcript (detected: %s)", detected)
	}
	if name, ok := languageNames[language]; ok {
		return "Write the summary in " + name
	}
	return fmt.Sprintf("Write the summary in the language with code %q", language)
}

const chunkSystem = `You are an expert content analyst. Analyze the following section of a transcript.
Extract:
- Main ideas and key points
- Important details, names, terms, numbers
- Any action items or recommendations mentioned
- Notable quotes or statements

Preserve all proper nouns, technical terms, and specific references.
Respond ONLY with valid JSON:
{
  "main_ideas": ["..."],
  "key_details": ["..."],
  "action_items": ["..."],
  "terms": ["..."]
}`

const synthesisTemplate = `You are an expert content analyst. Based on the section analyses below, create a unified summary of the entire transcript.

%s

Language for the summary: %s

You MUST respond ONLY with valid JSON in this exact structure:
{
  "tl_dr": "...",
  "key_points": ["...", "..."],
  "outline": [
    {"title": "Section Title", "points": ["...", "..."]}
  ],
  "action_items": ["...", "..."],
  "timestamps": []
}

Rules:
- tl_dr: A concise overview.
- key_points: Most important takeaways.
- outline: Logical structure of the content.
- action_items: Actionable recommendations (empty list if none).
- timestamps: Leave as empty list (will be populated separately if available).
- All text must be in the specified language.`

const timestampTemplate = `You are an expert at identifying important moments in transcripts.
Given a transcript with timestamps, identify the 5-15 most important moments.
Respond ONLY with valid JSON array:
[
  {"t": "HH:MM:SS", "label": "Brief description of what happens at this point"}
]
Language for labels: %s`

func synthesisSystem(style string, langInstruction string) string {
	return fmt.Sprintf(synthesisTemplate, StyleInstruction(style), langInstruction)
}
