// Package youtube はYouTube動画のメタ情報・字幕・音声を取得する
package youtube

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kkdai/youtube/v2"

	"mediabrief/internal/config"
	"mediabrief/internal/logger"
	"mediabrief/internal/media"
	"mediabrief/internal/models"
)

// Client はYouTube操作を抽象化するクライアント
type Client struct {
	client     youtube.Client
	httpClient *http.Client
	runner     media.Runner
	cfg        config.YouTubeConfig
	tempDir    string
	log        logger.Logger
	strategies []Strategy

	cookiesOnce sync.Once
	cookiesPath string
	cookiesErr  error
}

// NewClient は新しいYouTubeクライアントを作成
func NewClient(cfg config.YouTubeConfig, log logger.Logger) *Client {
	return newClient(cfg, media.ExecRunner{}, http.DefaultClient, log)
}

func newClient(cfg config.YouTubeConfig, runner media.Runner, httpClient *http.Client, log logger.Logger) *Client {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	c := &Client{
		client:     youtube.Client{HTTPClient: httpClient},
		httpClient: httpClient,
		runner:     runner,
		cfg:        cfg,
		tempDir:    os.TempDir(),
		log:        log,
	}
	c.strategies = c.buildStrategies(cfg.Strategies)
	return c
}

// ValidateURL はYouTubeのURLか確認し、動画IDを返す
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %q", raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host != "youtube.com" && host != "youtu.be" && host != "music.youtube.com" {
		return "", fmt.Errorf("not a YouTube URL: %q", raw)
	}
	id, err := youtube.ExtractVideoID(raw)
	if err != nil {
		return "", fmt.Errorf("cannot extract video id from %q: %w", raw, err)
	}
	return id, nil
}

// Metadata は動画のメタ情報を取得する
// 取得に失敗しても処理は継続するため、URLと動画IDだけのメタ情報を返す
func (c *Client) Metadata(ctx context.Context, videoURL string) models.SourceMeta {
	meta := models.SourceMeta{URL: videoURL}
	if id, err := youtube.ExtractVideoID(videoURL); err == nil {
		meta.VideoID = id
	}

	video, err := c.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		c.log.Warn(ctx, "metadata fetch failed: %v", err)
		return meta
	}

	meta.VideoID = video.ID
	meta.Title = video.Title
	meta.Channel = video.Author
	meta.Duration = video.Duration.Seconds()
	return meta
}

// cookiesFile はcookies.txtのパスを返す
// base64で渡された場合は一度だけ一時ファイルに書き出す
func (c *Client) cookiesFile() (string, error) {
	if p := strings.TrimSpace(c.cfg.CookiesPath); p != "" {
		return p, nil
	}
	b64 := strings.TrimSpace(c.cfg.CookiesBase64)
	if b64 == "" {
		return "", nil
	}
	c.cookiesOnce.Do(func() {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			c.cookiesErr = fmt.Errorf("invalid base64 cookies: expected base64-encoded cookies.txt content: %w", err)
			return
		}
		path := filepath.Join(c.tempDir, "yt_cookies_"+strings.ReplaceAll(uuid.NewString(), "-", "")+".txt")
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			c.cookiesErr = fmt.Errorf("write cookies file: %w", err)
			return
		}
		c.cookiesPath = path
	})
	return c.cookiesPath, c.cookiesErr
}
