package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/kkdai/youtube/v2"

	"mediabrief/internal/asr"
	"mediabrief/internal/models"
)

// 字幕の言語が指定されていない場合に試す言語
var fallbackLanguages = []string{"en", "ru"}

// CaptionTrack は字幕トラックの情報
type CaptionTrack struct {
	LanguageCode string
	Name         string
	BaseURL      string
	Generated    bool // 自動生成 (kind=asr)
}

// SelectCaption は優先順位に従って字幕トラックを選ぶ
// 手動(言語一致) > 手動(任意) > 自動生成 > なし
func SelectCaption(tracks []CaptionTrack, lang string) *CaptionTrack {
	var codes []string
	if lang != "" && lang != models.LanguageAuto {
		codes = append(codes, lang)
	}
	codes = append(codes, fallbackLanguages...)

	find := func(generated bool, match bool) *CaptionTrack {
		if match {
			for _, code := range codes {
				for i := range tracks {
					if tracks[i].Generated == generated && sameLanguage(tracks[i].LanguageCode, code) {
						return &tracks[i]
					}
				}
			}
			return nil
		}
		for i := range tracks {
			if tracks[i].Generated == generated {
				return &tracks[i]
			}
		}
		return nil
	}

	if t := find(false, true); t != nil {
		return t
	}
	if t := find(false, false); t != nil {
		return t
	}
	if t := find(true, true); t != nil {
		return t
	}
	return find(true, false)
}

// "en-US" は "en" に一致させる
func sameLanguage(code, want string) bool {
	code, want = strings.ToLower(code), strings.ToLower(want)
	return code == want || strings.HasPrefix(code, want+"-")
}

func convertTracks(in []youtube.CaptionTrack) []CaptionTrack {
	out := make([]CaptionTrack, len(in))
	for i, track := range in {
		out[i] = CaptionTrack{
			LanguageCode: track.LanguageCode,
			Name:         track.Name.SimpleText,
			BaseURL:      track.BaseURL,
			Generated:    track.Kind == "asr",
		}
	}
	return out
}

// Captions は字幕を取得してトランスクリプトにする
// 字幕がない場合や取得に失敗した場合は nil を返し、呼び出し側は音声認識に切り替える
func (c *Client) Captions(ctx context.Context, videoURL, lang string) (*models.Transcript, error) {
	video, err := c.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Info(ctx, "no transcripts available: %v", err)
		return nil, nil
	}

	track := SelectCaption(convertTracks(video.CaptionTracks), lang)
	if track == nil {
		return nil, nil
	}

	segments, err := c.fetchCaption(ctx, track.BaseURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn(ctx, "caption fetch error: %v", err)
		return nil, nil
	}
	if len(segments) == 0 {
		return nil, nil
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	return &models.Transcript{
		Text:     strings.Join(texts, " "),
		Segments: segments,
		Language: track.LanguageCode,
		Source:   models.TranscriptSourceCaptions,
	}, nil
}

// fetchCaption はURLから字幕を取得
func (c *Client) fetchCaption(ctx context.Context, url string) ([]models.Segment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseCaptionXML(body)
}

// timedtext形式 (format=3)
type xmlTimedText struct {
	XMLName xml.Name  `xml:"timedtext"`
	Text    []xmlText `xml:"body>p"`
}

type xmlText struct {
	Start    int64        `xml:"t,attr"` // ミリ秒
	Duration int64        `xml:"d,attr"` // ミリ秒
	Content  string       `xml:",chardata"`
	Segments []xmlSegment `xml:"s"`
}

type xmlSegment struct {
	Text string `xml:",chardata"`
}

// 旧形式 (srv1)
type xmlTranscript struct {
	XMLName xml.Name        `xml:"transcript"`
	Text    []xmlLegacyText `xml:"text"`
}

type xmlLegacyText struct {
	Start    float64 `xml:"start,attr"` // 秒
	Duration float64 `xml:"dur,attr"`   // 秒
	Text     string  `xml:",chardata"`
}

// parseCaptionXML はXMLをパースしてセグメントを返す
func parseCaptionXML(data []byte) ([]models.Segment, error) {
	var timed xmlTimedText
	if err := xml.Unmarshal(data, &timed); err == nil {
		segments := make([]models.Segment, 0, len(timed.Text))
		for _, p := range timed.Text {
			// セグメントを連結してテキストを作成
			text := p.Content
			for _, seg := range p.Segments {
				text += seg.Text
			}
			start := float64(p.Start) / 1000
			segments = appendSegment(segments, start, start+float64(p.Duration)/1000, text)
		}
		return segments, nil
	}

	var legacy xmlTranscript
	if err := xml.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("XML parse failed: %w", err)
	}
	segments := make([]models.Segment, 0, len(legacy.Text))
	for _, t := range legacy.Text {
		segments = appendSegment(segments, t.Start, t.Start+t.Duration, t.Text)
	}
	return segments, nil
}

func appendSegment(segments []models.Segment, start, end float64, text string) []models.Segment {
	// YouTubeの字幕はエンティティが二重にエスケープされている
	text = strings.Join(strings.Fields(html.UnescapeString(text)), " ")
	// 空エントリをスキップ
	if text == "" {
		return segments
	}
	return append(segments, models.Segment{
		Start: asr.Round2(start),
		End:   asr.Round2(end),
		Text:  text,
	})
}
