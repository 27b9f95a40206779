// Package config loads mediabrief settings from .env, an optional YAML file
// and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Retention     RetentionConfig     `yaml:"retention"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Summary       SummaryConfig       `yaml:"summary"`
	YouTube       YouTubeConfig       `yaml:"youtube"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Log           LogConfig           `yaml:"log"`
	Jobs          JobsConfig          `yaml:"jobs"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr                string `yaml:"addr"`
	MaxUploadMB         int    `yaml:"max_upload_mb"`
	SubmitRatePerMinute int    `yaml:"submit_rate_per_minute"`
	UploadDir           string `yaml:"upload_dir"`
}

// DatabaseConfig selects the job store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | mysql
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the queue, lock and blob store. Empty Addr means in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds dispatcher delivery settings.
type QueueConfig struct {
	Name            string          `yaml:"name"`
	JobTimeout      time.Duration   `yaml:"job_timeout"`
	DeliveryRetries int             `yaml:"delivery_retries"`
	RetryBackoff    []time.Duration `yaml:"retry_backoff"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// RetentionConfig bounds storage growth.
type RetentionConfig struct {
	JobRetention  time.Duration `yaml:"job_retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
	UploadBlobTTL time.Duration `yaml:"upload_blob_ttl"`
}

// TranscriptionConfig selects and tunes the speech-to-text provider.
type TranscriptionConfig struct {
	Provider          string  `yaml:"provider"` // gemini | sherpa
	Model             string  `yaml:"model"`
	MaxChunkMB        int     `yaml:"max_chunk_mb"`
	MinSegmentSeconds float64 `yaml:"min_segment_seconds"`
	SafetyMargin      float64 `yaml:"safety_margin"`
	SherpaModelDir    string  `yaml:"sherpa_model_dir"`
	SherpaThreads     int     `yaml:"sherpa_threads"`
	FFmpegPath        string  `yaml:"ffmpeg_path"`
	FFprobePath       string  `yaml:"ffprobe_path"`
}

// SummaryConfig tunes the map-reduce summarizer.
type SummaryConfig struct {
	Provider          string   `yaml:"provider"`
	Model             string   `yaml:"model"`
	APIKeys           []string `yaml:"api_keys"`
	ChunkTokens       int      `yaml:"chunk_tokens"`
	CharsPerToken     int      `yaml:"chars_per_token"`
	TimestampMaxChars int      `yaml:"timestamp_max_chars"`
	MapConcurrency    int      `yaml:"map_concurrency"`
}

// YouTubeConfig configures the media fetcher.
type YouTubeConfig struct {
	YtDlpPath     string   `yaml:"ytdlp_path"`
	CookiesPath   string   `yaml:"cookies_path"`
	CookiesBase64 string   `yaml:"cookies_base64"`
	PlayerClient  string   `yaml:"player_client"`
	Strategies    []string `yaml:"strategies"`
}

// IngestConfig configures the drop-folder watcher.
type IngestConfig struct {
	WatchDir string `yaml:"watch_dir"`
	OwnerID  string `yaml:"owner_id"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// JobsConfig holds user-facing job policy.
type JobsConfig struct {
	MaxUserRetries int           `yaml:"max_user_retries"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
}

// MaxUploadBytes returns the upload size ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) * 1024 * 1024
}

// GeminiInlineMaxMB caps chunks sent inline to Gemini. The request limit is
// 20 MB and the audio travels base64 encoded next to the prompt.
const GeminiInlineMaxMB = 14

// MaxChunkBytes returns the transcription provider size ceiling in bytes.
// The gemini provider never gets more than GeminiInlineMaxMB.
func (c *Config) MaxChunkBytes() int64 {
	mb := c.Transcription.MaxChunkMB
	if c.Transcription.Provider == "gemini" {
		mb = min(mb, GeminiInlineMaxMB)
	}
	return int64(mb) * 1024 * 1024
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	str("MEDIABRIEF_ADDR", &c.Server.Addr)
	num("MAX_UPLOAD_MB", &c.Server.MaxUploadMB)
	num("SUBMIT_RATE_PER_MINUTE", &c.Server.SubmitRatePerMinute)
	str("UPLOAD_DIR", &c.Server.UploadDir)

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_PATH", &c.Database.Path)
	str("DATABASE_DSN", &c.Database.DSN)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)

	str("QUEUE_NAME", &c.Queue.Name)
	dur("JOB_TIMEOUT", &c.Queue.JobTimeout)
	num("JOB_MAX_RETRIES", &c.Queue.DeliveryRetries)

	num("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	str("SWEEP_SCHEDULE", &c.Worker.SweepSchedule)

	dur("JOB_RETENTION", &c.Retention.JobRetention)
	dur("RETENTION_CLEANUP_INTERVAL", &c.Retention.SweepInterval)
	num("RETENTION_CLEANUP_BATCH_SIZE", &c.Retention.BatchSize)
	dur("UPLOAD_BLOB_TTL", &c.Retention.UploadBlobTTL)

	str("TRANSCRIBE_PROVIDER", &c.Transcription.Provider)
	str("TRANSCRIBE_MODEL", &c.Transcription.Model)
	num("MAX_AUDIO_CHUNK_MB", &c.Transcription.MaxChunkMB)
	str("SHERPA_MODEL_DIR", &c.Transcription.SherpaModelDir)

	str("SUMMARY_MODEL", &c.Summary.Model)
	if v := getenv("GEMINI_API_KEYS"); v != "" {
		c.Summary.APIKeys = splitList(v)
	} else if v := getenv("GEMINI_API_KEY"); v != "" {
		c.Summary.APIKeys = []string{v}
	}

	str("YTDLP_PATH", &c.YouTube.YtDlpPath)
	str("YTDLP_COOKIES_PATH", &c.YouTube.CookiesPath)
	str("YTDLP_COOKIES_B64", &c.YouTube.CookiesBase64)
	str("YTDLP_PLAYER_CLIENT", &c.YouTube.PlayerClient)
	if v := getenv("YTDLP_STRATEGIES"); v != "" {
		c.YouTube.Strategies = splitList(v)
	}

	str("INGEST_WATCH_DIR", &c.Ingest.WatchDir)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	num("MAX_USER_RETRIES", &c.Jobs.MaxUserRetries)
	dur("CANCEL_GRACE", &c.Jobs.CancelGrace)

	if len(errs) > 0 {
		return fmt.Errorf("config: env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 250
	}
	if c.Server.SubmitRatePerMinute == 0 {
		c.Server.SubmitRatePerMinute = 20
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = os.TempDir()
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/mediabrief.db"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "default"
	}
	if c.Queue.JobTimeout == 0 {
		c.Queue.JobTimeout = 30 * time.Minute
	}
	if c.Queue.DeliveryRetries == 0 {
		c.Queue.DeliveryRetries = 2
	}
	if len(c.Queue.RetryBackoff) == 0 {
		c.Queue.RetryBackoff = []time.Duration{10 * time.Second, 30 * time.Second}
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.SweepSchedule == "" {
		c.Worker.SweepSchedule = "*/10 * * * *"
	}
	if c.Retention.JobRetention == 0 {
		c.Retention.JobRetention = 72 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = 10 * time.Minute
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = 100
	}
	if c.Retention.UploadBlobTTL == 0 {
		c.Retention.UploadBlobTTL = 6 * time.Hour
	}
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "gemini"
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "gemini-2.5-flash"
	}
	if c.Transcription.MaxChunkMB == 0 {
		c.Transcription.MaxChunkMB = 24
		if c.Transcription.Provider == "gemini" {
			c.Transcription.MaxChunkMB = GeminiInlineMaxMB
		}
	}
	if c.Transcription.MinSegmentSeconds == 0 {
		c.Transcription.MinSegmentSeconds = 60
	}
	if c.Transcription.SafetyMargin == 0 {
		c.Transcription.SafetyMargin = 0.9
	}
	if c.Transcription.SherpaThreads == 0 {
		c.Transcription.SherpaThreads = 4
	}
	if c.Transcription.FFmpegPath == "" {
		c.Transcription.FFmpegPath = "ffmpeg"
	}
	if c.Transcription.FFprobePath == "" {
		c.Transcription.FFprobePath = "ffprobe"
	}
	if c.Summary.Provider == "" {
		c.Summary.Provider = "gemini"
	}
	if c.Summary.Model == "" {
		c.Summary.Model = "gemini-2.5-flash"
	}
	if c.Summary.ChunkTokens == 0 {
		c.Summary.ChunkTokens = 10000
	}
	if c.Summary.CharsPerToken == 0 {
		c.Summary.CharsPerToken = 4
	}
	if c.Summary.TimestampMaxChars == 0 {
		c.Summary.TimestampMaxChars = 30000
	}
	if c.Summary.MapConcurrency == 0 {
		c.Summary.MapConcurrency = 4
	}
	if c.YouTube.YtDlpPath == "" {
		c.YouTube.YtDlpPath = "yt-dlp"
	}
	if c.YouTube.PlayerClient == "" {
		c.YouTube.PlayerClient = "android"
	}
	if len(c.YouTube.Strategies) == 0 {
		c.YouTube.Strategies = []string{"ytdlp-cookies", "ytdlp-player-client", "ytdlp-plain", "native"}
	}
	if c.Ingest.OwnerID == "" {
		c.Ingest.OwnerID = "dropfolder"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Jobs.MaxUserRetries == 0 {
		c.Jobs.MaxUserRetries = 3
	}
	if c.Jobs.CancelGrace == 0 {
		c.Jobs.CancelGrace = 2 * time.Minute
	}
}

var knownStrategies = map[string]bool{
	"ytdlp-cookies":       true,
	"ytdlp-player-client": true,
	"ytdlp-plain":         true,
	"native":              true,
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not sqlite or mysql", c.Database.Driver))
	}
	switch c.Transcription.Provider {
	case "gemini":
	case "sherpa":
		if c.Transcription.SherpaModelDir == "" {
			errs = append(errs, "transcription.sherpa_model_dir is required for sherpa")
		}
	default:
		errs = append(errs, fmt.Sprintf("transcription.provider %q is not gemini or sherpa", c.Transcription.Provider))
	}
	if c.Summary.Provider != "gemini" {
		errs = append(errs, fmt.Sprintf("summary.provider %q is not supported", c.Summary.Provider))
	}
	if c.Transcription.SafetyMargin <= 0 || c.Transcription.SafetyMargin > 1 {
		errs = append(errs, "transcription.safety_margin must be in (0, 1]")
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	if c.Retention.BatchSize < 1 {
		errs = append(errs, "retention.batch_size must be at least 1")
	}
	if c.Queue.DeliveryRetries < 0 {
		errs = append(errs, "queue.delivery_retries must not be negative")
	}
	for _, s := range c.YouTube.Strategies {
		if !knownStrategies[s] {
			errs = append(errs, fmt.Sprintf("youtube.strategies: unknown strategy %q", s))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseDuration accepts Go durations ("30m") and bare seconds ("1800").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
