package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"mediabrief/internal/blobstore"
	"mediabrief/internal/ingestion"
	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/pipeline"
	"mediabrief/internal/queue"
	"mediabrief/internal/storage"
)

type testServer struct {
	e     *echo.Echo
	store storage.Store
	queue *queue.MemoryQueue
}

func newTestServer(t *testing.T, ratePerMinute int) *testServer {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := storage.NewJobRepository(db)
	q := queue.NewMemoryQueue()
	blobs := blobstore.NewMemoryStore()
	log := logger.Nop()

	sub := ingestion.NewSubmitter(store, q, blobs, ingestion.Config{
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 2 * 1024 * 1024,
		BlobTTL:        time.Hour,
	}, log)
	svc := pipeline.NewService(store, q, blobs, pipeline.ServiceConfig{MaxUserRetries: 1}, log)

	e := echo.New()
	NewHandler(sub, svc, log).Register(e, NewSubmitLimiterStore(ratePerMinute))
	return &testServer{e: e, store: store, queue: q}
}

func (s *testServer) do(method, path, owner string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) submitYouTube(t *testing.T, owner string) string {
	t.Helper()
	rec := s.do(http.MethodPost, "/v1/youtube", owner, []byte(`{"url":"https://youtu.be/dQw4w9WgXcQ","summary_style":"short"}`), echo.MIMEApplicationJSON)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}
	var created jobCreated
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.JobID == "" || created.Status != string(models.JobStatusQueued) {
		t.Fatalf("created = %+v", created)
	}
	return created.JobID
}

func TestHealthAndConfig(t *testing.T) {
	s := newTestServer(t, 0)

	if rec := s.do(http.MethodGet, "/health", "", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	rec := s.do(http.MethodGet, "/v1/jobs/config", "", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"max_upload_mb":2`) {
		t.Errorf("config = %d %s", rec.Code, rec.Body)
	}
}

func TestSubmitYouTube(t *testing.T) {
	s := newTestServer(t, 0)
	s.submitYouTube(t, "alice")

	tests := []struct {
		name  string
		owner string
		body  string
		want  int
	}{
		{"no owner", "", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`, http.StatusUnauthorized},
		{"missing url", "alice", `{}`, http.StatusBadRequest},
		{"not youtube", "alice", `{"url":"https://example.com/v"}`, http.StatusBadRequest},
		{"bad style", "alice", `{"url":"https://youtu.be/dQw4w9WgXcQ","summary_style":"epic"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/v1/youtube", tt.owner, []byte(tt.body), echo.MIMEApplicationJSON)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestUpload(t *testing.T) {
	s := newTestServer(t, 0)

	multipartBody := func(filename string, data []byte) ([]byte, string) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		fw, _ := w.CreateFormFile("file", filename)
		fw.Write(data)
		w.WriteField("language", "en")
		w.Close()
		return buf.Bytes(), w.FormDataContentType()
	}

	body, ct := multipartBody("lecture.wav", []byte("RIFF...."))
	rec := s.do(http.MethodPost, "/v1/upload", "alice", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload = %d %s", rec.Code, rec.Body)
	}
	if s.queue.Len() != 1 {
		t.Errorf("queued = %d", s.queue.Len())
	}

	body, ct = multipartBody("notes.pdf", []byte("%PDF"))
	if rec := s.do(http.MethodPost, "/v1/upload", "alice", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("pdf upload = %d", rec.Code)
	}

	body, ct = multipartBody("huge.mp3", bytes.Repeat([]byte("x"), 2*1024*1024+1))
	if rec := s.do(http.MethodPost, "/v1/upload", "alice", body, ct); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize upload = %d", rec.Code)
	}

	if rec := s.do(http.MethodPost, "/v1/upload", "alice", nil, echo.MIMEMultipartForm); rec.Code != http.StatusBadRequest {
		t.Errorf("empty form = %d", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t, 0)
	ctx := context.Background()
	id := s.submitYouTube(t, "alice")

	rec := s.do(http.MethodGet, "/v1/jobs/"+id, "alice", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"queued"`) {
		t.Errorf("get = %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(http.MethodGet, "/v1/jobs/"+id, "mallory", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign get = %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/jobs/"+id+"/result", "alice", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("result before done = %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/jobs/"+id+"/retry", "alice", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("retry of queued job = %d", rec.Code)
	}

	// simulate a failed attempt
	if _, err := s.store.Update(ctx, id, models.JobPatch{
		Status: models.Ptr(models.JobStatusError),
		Error:  &models.JobError{Code: "upstream_timeout", Message: "Timed out.", Retryable: true},
	}); err != nil {
		t.Fatal(err)
	}
	rec = s.do(http.MethodGet, "/v1/jobs/"+id+"/result", "alice", nil, "")
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "upstream_timeout") {
		t.Errorf("result of failed job = %d %s", rec.Code, rec.Body)
	}

	rec = s.do(http.MethodPost, "/v1/jobs/"+id+"/retry", "alice", nil, "")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"retry_count":1`) {
		t.Errorf("retry = %d %s", rec.Code, rec.Body)
	}

	// the retry limit is 1
	s.store.Update(ctx, id, models.JobPatch{
		Status: models.Ptr(models.JobStatusError),
		Error:  &models.JobError{Code: "upstream_timeout", Message: "Timed out.", Retryable: true},
	})
	if rec := s.do(http.MethodPost, "/v1/jobs/"+id+"/retry", "alice", nil, ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("retry over limit = %d", rec.Code)
	}
}

func TestCancelAndResult(t *testing.T) {
	s := newTestServer(t, 0)
	ctx := context.Background()

	queued := s.submitYouTube(t, "alice")
	rec := s.do(http.MethodPost, "/v1/jobs/"+queued+"/cancel", "alice", nil, "")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Errorf("cancel queued = %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(http.MethodPost, "/v1/jobs/"+queued+"/cancel", "alice", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel twice = %d", rec.Code)
	}

	done := s.submitYouTube(t, "alice")
	summary := &models.Summary{TLDR: "short"}
	summary.Normalize()
	if _, err := s.store.Update(ctx, done, models.JobPatch{
		Status:     models.Ptr(models.JobStatusDone),
		Progress:   models.Ptr(100),
		Transcript: &models.Transcript{Text: "hello", Segments: []models.Segment{}, Source: models.TranscriptSourceCaptions},
		Summary:    summary,
	}); err != nil {
		t.Fatal(err)
	}
	rec = s.do(http.MethodGet, "/v1/jobs/"+done+"/result", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("result = %d %s", rec.Code, rec.Body)
	}
	var result pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Transcript.Text != "hello" || result.Summary.TLDR != "short" || result.Source.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("result = %+v", result)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	body := []byte(`{"url":"https://youtu.be/dQw4w9WgXcQ"}`)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = s.do(http.MethodPost, "/v1/youtube", "alice", body, echo.MIMEApplicationJSON).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
	// reads are not limited
	if rec := s.do(http.MethodGet, "/v1/jobs/config", "", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("config after limit = %d", rec.Code)
	}
}
