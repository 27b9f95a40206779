package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
server:
  addr: ":9090"
  max_upload_mb: 100
database:
  driver: mysql
  dsn: "user:pass@tcp(127.0.0.1:3306)/mediabrief?parseTime=true"
redis:
  addr: "127.0.0.1:6379"
queue:
  job_timeout: 20m
  delivery_retries: 3
  retry_backoff: [5s, 15s, 45s]
retention:
  job_retention: 24h
  batch_size: 50
transcription:
  provider: sherpa
  sherpa_model_dir: /models/whisper
  max_chunk_mb: 10
summary:
  api_keys: [k1, k2]
  map_concurrency: 8
youtube:
  strategies: [ytdlp-plain, native]
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.MaxUploadBytes() != 100*1024*1024 {
		t.Errorf("MaxUploadBytes() = %d", cfg.MaxUploadBytes())
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Queue.JobTimeout != 20*time.Minute {
		t.Errorf("Queue.JobTimeout = %v, want 20m", cfg.Queue.JobTimeout)
	}
	if len(cfg.Queue.RetryBackoff) != 3 || cfg.Queue.RetryBackoff[2] != 45*time.Second {
		t.Errorf("Queue.RetryBackoff = %v", cfg.Queue.RetryBackoff)
	}
	if cfg.Retention.JobRetention != 24*time.Hour {
		t.Errorf("Retention.JobRetention = %v, want 24h", cfg.Retention.JobRetention)
	}
	if cfg.Retention.BatchSize != 50 {
		t.Errorf("Retention.BatchSize = %d, want 50", cfg.Retention.BatchSize)
	}
	if cfg.MaxChunkBytes() != 10*1024*1024 {
		t.Errorf("MaxChunkBytes() = %d", cfg.MaxChunkBytes())
	}
	if len(cfg.Summary.APIKeys) != 2 {
		t.Errorf("len(Summary.APIKeys) = %d, want 2", len(cfg.Summary.APIKeys))
	}
	if len(cfg.YouTube.Strategies) != 2 || cfg.YouTube.Strategies[0] != "ytdlp-plain" {
		t.Errorf("YouTube.Strategies = %v", cfg.YouTube.Strategies)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Queue.JobTimeout != 30*time.Minute {
		t.Errorf("Queue.JobTimeout = %v, want 30m", cfg.Queue.JobTimeout)
	}
	want := []time.Duration{10 * time.Second, 30 * time.Second}
	if len(cfg.Queue.RetryBackoff) != 2 || cfg.Queue.RetryBackoff[0] != want[0] || cfg.Queue.RetryBackoff[1] != want[1] {
		t.Errorf("Queue.RetryBackoff = %v, want %v", cfg.Queue.RetryBackoff, want)
	}
	if cfg.Transcription.MaxChunkMB != GeminiInlineMaxMB {
		t.Errorf("Transcription.MaxChunkMB = %d, want %d", cfg.Transcription.MaxChunkMB, GeminiInlineMaxMB)
	}
	if cfg.Summary.ChunkTokens != 10000 || cfg.Summary.CharsPerToken != 4 {
		t.Errorf("Summary chunking = %d/%d, want 10000/4", cfg.Summary.ChunkTokens, cfg.Summary.CharsPerToken)
	}
	if cfg.Summary.TimestampMaxChars != 30000 {
		t.Errorf("Summary.TimestampMaxChars = %d, want 30000", cfg.Summary.TimestampMaxChars)
	}
	if len(cfg.YouTube.Strategies) != 4 {
		t.Errorf("len(YouTube.Strategies) = %d, want 4", len(cfg.YouTube.Strategies))
	}
}

func TestMaxChunkBytes_GeminiInlineCeiling(t *testing.T) {
	cfg, err := Parse([]byte("transcription:\n  provider: gemini\n  max_chunk_mb: 24\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxChunkBytes() != GeminiInlineMaxMB*1024*1024 {
		t.Errorf("gemini MaxChunkBytes() = %d, want %d", cfg.MaxChunkBytes(), GeminiInlineMaxMB*1024*1024)
	}

	cfg, err = Parse([]byte("transcription:\n  provider: sherpa\n  sherpa_model_dir: /models\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxChunkBytes() != 24*1024*1024 {
		t.Errorf("sherpa MaxChunkBytes() = %d, want 24 MB", cfg.MaxChunkBytes())
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	yml := `
database:
  driver: postgres
transcription:
  provider: sherpa
youtube:
  strategies: [teleport]
log:
  format: xml
`
	_, err := Parse([]byte(yml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config: validation failed: ") {
		t.Errorf("error = %q, want validation prefix", msg)
	}
	for _, want := range []string{"database.driver", "sherpa_model_dir", "teleport", "log.format"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("server: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                         "7000",
		"JOB_TIMEOUT":                  "1800",
		"RETENTION_CLEANUP_BATCH_SIZE": "7",
		"GEMINI_API_KEYS":              "a, b ,c",
		"YTDLP_STRATEGIES":             "native",
	}
	cfg, err := parse([]byte("server:\n  addr: \":1\"\n"), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("Server.Addr = %q, want :7000", cfg.Server.Addr)
	}
	if cfg.Queue.JobTimeout != 30*time.Minute {
		t.Errorf("Queue.JobTimeout = %v, want 30m", cfg.Queue.JobTimeout)
	}
	if cfg.Retention.BatchSize != 7 {
		t.Errorf("Retention.BatchSize = %d, want 7", cfg.Retention.BatchSize)
	}
	if strings.Join(cfg.Summary.APIKeys, ",") != "a,b,c" {
		t.Errorf("Summary.APIKeys = %v", cfg.Summary.APIKeys)
	}
	if len(cfg.YouTube.Strategies) != 1 {
		t.Errorf("YouTube.Strategies = %v", cfg.YouTube.Strategies)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	env := map[string]string{"WORKER_CONCURRENCY": "many"}
	_, err := parse(nil, func(k string) string { return env[k] })
	if err == nil || !strings.Contains(err.Error(), "WORKER_CONCURRENCY") {
		t.Fatalf("err = %v, want WORKER_CONCURRENCY error", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediabrief.yaml")
	if err := os.WriteFile(path, []byte("retention:\n  batch_size: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if os.Getenv("RETENTION_CLEANUP_BATCH_SIZE") == "" && cfg.Retention.BatchSize != 9 {
		t.Errorf("Retention.BatchSize = %d, want 9", cfg.Retention.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
