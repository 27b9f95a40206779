package transcribe

import (
	"strings"

	"mediabrief/internal/asr"
	"mediabrief/internal/models"
	"mediabrief/internal/textutil"
)

const (
	minEstimated = 6
	maxEstimated = 40
)

// EstimateSegments synthesizes evenly spaced segments from sentence boundaries
// for transcripts that came back without timing. It returns nil when the text
// or the duration is empty.
func EstimateSegments(text string, duration float64) []models.Segment {
	if duration <= 0 {
		return nil
	}
	sentences := textutil.SplitSentences(text)
	n := len(sentences)
	if n == 0 {
		return nil
	}

	count := min(max(minEstimated, n/3), maxEstimated)
	step := (n + count - 1) / count

	var groups []string
	for i := 0; i < n; i += step {
		groups = append(groups, strings.Join(sentences[i:min(i+step, n)], " "))
	}

	total := float64(len(groups))
	segments := make([]models.Segment, len(groups))
	for i, g := range groups {
		segments[i] = models.Segment{
			Start: asr.Round2(duration * float64(i) / total),
			End:   asr.Round2(duration * float64(i+1) / total),
			Text:  g,
		}
	}
	return segments
}
