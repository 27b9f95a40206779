package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	ytdl "github.com/kkdai/youtube/v2"

	"mediabrief/internal/apperr"
)

// ダウンロード方式の名前
const (
	StrategyCookies      = "ytdlp-cookies"
	StrategyPlayerClient = "ytdlp-player-client"
	StrategyPlain        = "ytdlp-plain"
	StrategyNative       = "native"
)

// errSkip は設定が足りず実行できない方式を示す
var errSkip = errors.New("strategy not configured")

// Strategy は音声をダウンロードする方式の一つ
type Strategy struct {
	Name     string
	Download func(ctx context.Context, videoURL, dir string) (string, error)
}

func (c *Client) buildStrategies(names []string) []Strategy {
	if len(names) == 0 {
		names = []string{StrategyCookies, StrategyPlayerClient, StrategyPlain, StrategyNative}
	}
	var out []Strategy
	for _, name := range names {
		switch name {
		case StrategyCookies:
			out = append(out, Strategy{Name: name, Download: c.downloadWithCookies})
		case StrategyPlayerClient:
			out = append(out, Strategy{Name: name, Download: c.downloadWithPlayerClient})
		case StrategyPlain:
			out = append(out, Strategy{Name: name, Download: func(ctx context.Context, videoURL, dir string) (string, error) {
				return c.runYtDlp(ctx, videoURL, dir, nil)
			}})
		case StrategyNative:
			out = append(out, Strategy{Name: name, Download: c.downloadNative})
		default:
			c.log.Warn(context.Background(), "unknown download strategy %q ignored", name)
		}
	}
	return out
}

// Download は方式を順に試して音声ファイルのパスを返す
// すべて失敗した場合は最も具体的なエラーを返す
func (c *Client) Download(ctx context.Context, videoURL string) (string, error) {
	var best error
	for _, s := range c.strategies {
		path, err := s.Download(ctx, videoURL, c.tempDir)
		if err == nil {
			c.log.Info(ctx, "audio downloaded: strategy=%s path=%s", s.Name, path)
			return path, nil
		}
		if errors.Is(err, errSkip) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		c.log.Warn(ctx, "download strategy %s failed: %v", s.Name, err)
		if best == nil || (apperr.KindOf(best) == apperr.KindUnknown && apperr.KindOf(err) != apperr.KindUnknown) {
			best = err
		}
	}
	if best == nil {
		return "", fmt.Errorf("youtube: no download strategy available")
	}
	return "", best
}

func (c *Client) downloadWithCookies(ctx context.Context, videoURL, dir string) (string, error) {
	cookies, err := c.cookiesFile()
	if err != nil {
		return "", err
	}
	if cookies == "" {
		return "", errSkip
	}
	return c.runYtDlp(ctx, videoURL, dir, []string{"--cookies", cookies})
}

func (c *Client) downloadWithPlayerClient(ctx context.Context, videoURL, dir string) (string, error) {
	if c.cfg.PlayerClient == "" {
		return "", errSkip
	}
	return c.runYtDlp(ctx, videoURL, dir, []string{"--extractor-args", "youtube:player_client=" + c.cfg.PlayerClient})
}

// runYtDlp はyt-dlpでmp3を取り出す
func (c *Client) runYtDlp(ctx context.Context, videoURL, dir string, extra []string) (string, error) {
	outName := "yt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	args := append([]string{}, extra...)
	args = append(args,
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "5",
		"--no-playlist",
		"--no-warnings",
		"-o", filepath.Join(dir, outName+".%(ext)s"),
		videoURL,
	)

	res, err := c.runner.Run(ctx, c.cfg.YtDlpPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ytDlpError(res.Stderr)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), outName) && !strings.HasSuffix(e.Name(), ".part") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("yt-dlp produced no output file")
}

// ytDlpError はyt-dlpの出力からエラーを分類する
func ytDlpError(stderr string) error {
	msg := stderr
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	if isAntiBot(msg) {
		return apperr.Errorf(apperr.KindAuthRequired, "youtube",
			"yt-dlp was blocked by YouTube anti-bot checks; configure a valid cookies.txt. Details: %s", clip(msg, 500))
	}
	return fmt.Errorf("yt-dlp download failed: %s", clip(msg, 500))
}

func isAntiBot(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "sign in to confirm") ||
		strings.Contains(lower, "not a bot") ||
		strings.Contains(lower, "use --cookies")
}

// downloadNative はyt-dlpを使わずに音声ストリームを保存する
func (c *Client) downloadNative(ctx context.Context, videoURL, dir string) (string, error) {
	video, err := c.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		if isAntiBot(err.Error()) {
			return "", apperr.New(apperr.KindAuthRequired, "youtube", err)
		}
		return "", fmt.Errorf("failed to get video: %w", err)
	}

	format := selectAudioFormat(video.Formats)
	if format == nil {
		return "", fmt.Errorf("no audio formats available")
	}

	stream, _, err := c.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("failed to get stream: %w", err)
	}
	defer stream.Close()

	outputPath := filepath.Join(dir, "yt_"+strings.ReplaceAll(uuid.NewString(), "-", "")+extension(format.MimeType))
	file, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := copyWithContext(ctx, file, stream); err != nil {
		os.Remove(outputPath) // 失敗時はファイルを削除
		return "", fmt.Errorf("failed to download: %w", err)
	}
	return outputPath, nil
}

// selectAudioFormat は音声のみのフォーマットから最高ビットレートを選ぶ
// 言語トラックがある場合はデフォルトトラックを優先
func selectAudioFormat(formats ytdl.FormatList) *ytdl.Format {
	var audio []*ytdl.Format
	for i := range formats {
		if strings.HasPrefix(formats[i].MimeType, "audio/") {
			audio = append(audio, &formats[i])
		}
	}
	if len(audio) == 0 {
		return nil
	}

	isDefault := func(f *ytdl.Format) bool {
		return f.AudioTrack == nil || f.AudioTrack.AudioIsDefault
	}
	sort.SliceStable(audio, func(i, j int) bool {
		if isDefault(audio[i]) != isDefault(audio[j]) {
			return isDefault(audio[i])
		}
		return audio[i].Bitrate > audio[j].Bitrate
	})
	return audio[0]
}

// extension はMIMEタイプから拡張子を返す
func extension(mimeType string) string {
	if strings.Contains(mimeType, "mp4") {
		return ".m4a"
	}
	if strings.Contains(mimeType, "webm") {
		return ".webm"
	}
	return ".audio"
}

// copyWithContext はキャンセル可能なコピー
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			if _, ew := dst.Write(buf[:nr]); ew != nil {
				return ew
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
