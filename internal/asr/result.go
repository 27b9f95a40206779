package asr

import (
	"fmt"
	"math"
	"strings"
	"time"

	"mediabrief/internal/models"
)

// Result is the transcription of one chunk. Segment times are relative to the chunk start.
type Result struct {
	Text     string           `json:"text"`
	Segments []models.Segment `json:"segments,omitempty"`
	Language string           `json:"language,omitempty"`
}

// FormatSRT renders segments as SRT subtitles.
func FormatSRT(segments []models.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			i+1,
			formatSRTTime(seg.Start),
			formatSRTTime(seg.End),
			strings.TrimSpace(seg.Text),
		)
	}
	return b.String()
}

// formatSRTTime converts seconds to SRT time format (HH:MM:SS,mmm)
func formatSRTTime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Round2 rounds seconds to centiseconds.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
