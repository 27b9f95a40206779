package summarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"mediabrief/internal/models"
)

var (
	fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
	arrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
)

// ErrNoJSON is returned when a reply holds no recoverable JSON value.
var ErrNoJSON = errors.New("summarize: no JSON in model reply")

// ParseJSON decodes a model reply into v. It tries the raw text, then a fenced
// code block, then the outermost brace (or bracket) span.
func ParseJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	if m := fencedRe.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(m[1]), v); err == nil {
			return nil
		}
	}
	for _, re := range []*regexp.Regexp{objectRe, arrayRe} {
		if m := re.FindString(raw); m != "" {
			if err := json.Unmarshal([]byte(m), v); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q", ErrNoJSON, clip(raw, 200))
}

// decodeSummary builds a summary field by field so one malformed field
// does not discard the others.
func decodeSummary(raw string) (*models.Summary, error) {
	var fields map[string]json.RawMessage
	if err := ParseJSON(raw, &fields); err != nil {
		return nil, err
	}

	s := &models.Summary{}
	if v, ok := fields["tl_dr"]; ok {
		json.Unmarshal(v, &s.TLDR)
	}
	s.KeyPoints = decodeStrings(fields["key_points"])
	s.ActionItems = decodeStrings(fields["action_items"])
	s.Outline = decodeOutline(fields["outline"])
	if v, ok := fields["timestamps"]; ok {
		var marks []models.TimestampMark
		if json.Unmarshal(v, &marks) == nil {
			s.Timestamps = cleanMarks(marks)
		}
	}
	s.Normalize()
	return s, nil
}

func decodeStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if json.Unmarshal(raw, &out) == nil {
		return out
	}
	// mixed arrays: keep the strings
	var items []any
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeOutline(raw json.RawMessage) []models.OutlineSection {
	if len(raw) == 0 {
		return nil
	}
	var sections []models.OutlineSection
	if json.Unmarshal(raw, &sections) == nil {
		return sections
	}
	// some replies flatten the outline to a list of titles
	for _, title := range decodeStrings(raw) {
		sections = append(sections, models.OutlineSection{Title: title})
	}
	return sections
}

// parseTimestamps accepts a bare array or an object wrapping one under "timestamps".
func parseTimestamps(raw string) ([]models.TimestampMark, error) {
	var marks []models.TimestampMark
	if err := ParseJSON(raw, &marks); err == nil {
		return cleanMarks(marks), nil
	}
	var wrapped struct {
		Timestamps []models.TimestampMark `json:"timestamps"`
	}
	if err := ParseJSON(raw, &wrapped); err != nil {
		return nil, err
	}
	return cleanMarks(wrapped.Timestamps), nil
}

const maxTimestamps = 15

func cleanMarks(marks []models.TimestampMark) []models.TimestampMark {
	out := make([]models.TimestampMark, 0, len(marks))
	for _, m := range marks {
		if m.T == "" || m.Label == "" {
			continue
		}
		out = append(out, m)
		if len(out) == maxTimestamps {
			break
		}
	}
	return out
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
