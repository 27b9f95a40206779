package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediabrief/internal/apperr"
	"mediabrief/internal/blobstore"
	"mediabrief/internal/logger"
	"mediabrief/internal/models"
	"mediabrief/internal/queue"
	"mediabrief/internal/storage"
	"mediabrief/internal/summarize"
	"mediabrief/internal/transcribe"
)

type fakeFetcher struct {
	meta        models.SourceMeta
	captions    *models.Transcript
	downloadDir string
	downloaded  string
	downloadErr error
}

func (f *fakeFetcher) Metadata(context.Context, string) models.SourceMeta { return f.meta }

func (f *fakeFetcher) Captions(context.Context, string, string) (*models.Transcript, error) {
	return f.captions, nil
}

func (f *fakeFetcher) Download(context.Context, string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	f.downloaded = filepath.Join(f.downloadDir, "yt_audio.mp3")
	return f.downloaded, os.WriteFile(f.downloaded, []byte("audio"), 0o644)
}

type fakeTranscriber struct {
	result *models.Transcript
	err    error
	paths  []string
	// during runs inside the stage, after progress was reported
	during func()
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path, _ string, onProgress transcribe.ProgressFunc) (*models.Transcript, error) {
	f.paths = append(f.paths, path)
	onProgress(55)
	onProgress(40) // lower values are ignored
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	t := *f.result
	return &t, nil
}

type fakeSummarizer struct {
	req summarize.Request
	err error
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarize.Request) (*models.Summary, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	s := &models.Summary{TLDR: "tl;dr"}
	s.Normalize()
	return s, nil
}

type fakeProber struct{ seconds float64 }

func (f fakeProber) Duration(context.Context, string) (float64, error) { return f.seconds, nil }

type fakeSweeper struct{ runs int }

func (f *fakeSweeper) RunOpportunistic(context.Context) { f.runs++ }

type env struct {
	store   storage.Store
	blobs   *blobstore.MemoryStore
	queue   *queue.MemoryQueue
	fetcher *fakeFetcher
	tr      *fakeTranscriber
	sum     *fakeSummarizer
	sweeper *fakeSweeper
	orch    *Orchestrator
	svc     *Service
	dir     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e := &env{
		store:   storage.NewJobRepository(db),
		blobs:   blobstore.NewMemoryStore(),
		queue:   queue.NewMemoryQueue(),
		fetcher: &fakeFetcher{downloadDir: t.TempDir()},
		tr:      &fakeTranscriber{result: &models.Transcript{Text: "Hello there.", Language: "en", Source: models.TranscriptSourceASR}},
		sum:     &fakeSummarizer{},
		sweeper: &fakeSweeper{},
		dir:     t.TempDir(),
	}
	e.orch = NewOrchestrator(Deps{
		Store:       e.store,
		Blobs:       e.blobs,
		Fetcher:     e.fetcher,
		Transcriber: e.tr,
		Summarizer:  e.sum,
		Prober:      fakeProber{seconds: 90},
		Sweeper:     e.sweeper,
		Log:         logger.Nop(),
		TempDir:     e.dir,
	})
	e.svc = NewService(e.store, e.queue, e.blobs, ServiceConfig{MaxUserRetries: 2, JobTimeout: time.Minute, DeliveryRetries: 1}, logger.Nop())
	return e
}

func (e *env) create(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	if job.OwnerID == "" {
		job.OwnerID = "owner-1"
	}
	if err := e.store.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (e *env) get(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

// stageUpload writes a staged upload file and its blob copy.
func (e *env) stageUpload(t *testing.T, keepLocal bool) models.SourceMeta {
	t.Helper()
	tmp := filepath.Join(e.dir, "abc123.mp3")
	key := blobstore.KeyPrefix + "abc123.mp3"
	if keepLocal {
		if err := os.WriteFile(tmp, []byte("media"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.blobs.Put(context.Background(), key, bytes.NewReader([]byte("media")), 1<<20, time.Hour); err != nil {
		t.Fatal(err)
	}
	return models.SourceMeta{Filename: "talk.mp3", SizeBytes: 5, TmpPath: tmp, BlobKey: key}
}

func checkInvariants(t *testing.T, job *models.Job) {
	t.Helper()
	if (job.Status == models.JobStatusError) != (job.Error != nil) {
		t.Errorf("status %s with error %+v", job.Status, job.Error)
	}
	if job.Status == models.JobStatusDone && (job.Transcript == nil || job.Summary == nil) {
		t.Errorf("done job without results: %+v", job)
	}
}

func TestRunYouTube_Captions(t *testing.T) {
	e := newEnv(t)
	e.fetcher.meta = models.SourceMeta{VideoID: "abc", Title: "Talk", Duration: 120}
	e.fetcher.captions = &models.Transcript{
		Text:     "hi there",
		Segments: []models.Segment{{Start: 0, End: 1, Text: "hi"}, {Start: 1, End: 2, Text: "there"}},
		Language: "en",
		Source:   models.TranscriptSourceCaptions,
	}
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}, SummaryStyle: models.SummaryStyleShort})

	if err := e.orch.RunYouTube(context.Background(), job.ID); err != nil {
		t.Fatalf("RunYouTube: %v", err)
	}
	got := e.get(t, job.ID)
	checkInvariants(t, got)
	if got.Status != models.JobStatusDone || got.Progress != 100 {
		t.Fatalf("status=%s progress=%d", got.Status, got.Progress)
	}
	if got.Transcript.Source != models.TranscriptSourceCaptions || got.SourceMeta.Title != "Talk" || got.SourceMeta.URL == "" {
		t.Errorf("transcript=%+v meta=%+v", got.Transcript, got.SourceMeta)
	}
	if len(e.tr.paths) != 0 || e.fetcher.downloaded != "" {
		t.Error("captions path must not download or transcribe")
	}
	if e.sum.req.Style != models.SummaryStyleShort || e.sum.req.DetectedLanguage != "en" || len(e.sum.req.Segments) != 2 {
		t.Errorf("summarize request = %+v", e.sum.req)
	}
	if e.sweeper.runs != 1 {
		t.Errorf("sweeper runs = %d", e.sweeper.runs)
	}
}

func TestRunYouTube_AudioFallbackEstimatesSegments(t *testing.T) {
	e := newEnv(t)
	e.fetcher.meta = models.SourceMeta{Duration: 60}
	e.tr.result = &models.Transcript{Text: "One. Two. Three. Four. Five. Six.", Language: "en", Source: models.TranscriptSourceASR}
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}})

	if err := e.orch.RunYouTube(context.Background(), job.ID); err != nil {
		t.Fatalf("RunYouTube: %v", err)
	}
	got := e.get(t, job.ID)
	if got.Status != models.JobStatusDone {
		t.Fatalf("status = %s (%+v)", got.Status, got.Error)
	}
	if got.Transcript.Source != models.TranscriptSourceEstimatedSegments || len(got.Transcript.Segments) != 6 {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if last := got.Transcript.Segments[len(got.Transcript.Segments)-1]; last.End != 60 {
		t.Errorf("last segment = %+v, want end at media duration", last)
	}
	if _, err := os.Stat(e.fetcher.downloaded); !os.IsNotExist(err) {
		t.Error("downloaded audio was not removed")
	}
}

func TestRunYouTube_AuthFailureIsClassified(t *testing.T) {
	e := newEnv(t)
	e.fetcher.downloadErr = apperr.Errorf(apperr.KindAuthRequired, "youtube", "blocked")
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}})

	if err := e.orch.RunYouTube(context.Background(), job.ID); err != nil {
		t.Fatalf("RunYouTube: %v", err)
	}
	got := e.get(t, job.ID)
	checkInvariants(t, got)
	if got.Status != models.JobStatusError || got.Error.Code != apperr.CodeAuthRequired || got.Error.Retryable {
		t.Fatalf("job = %s %+v", got.Status, got.Error)
	}
	if got.Progress != ProgressDownloading {
		t.Errorf("progress = %d, want the last reached milestone", got.Progress)
	}
}

func TestRunUpload_RestoresFromBlob(t *testing.T) {
	e := newEnv(t)
	meta := e.stageUpload(t, false)
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: meta})

	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	got := e.get(t, job.ID)
	checkInvariants(t, got)
	if got.Status != models.JobStatusDone {
		t.Fatalf("status = %s (%+v)", got.Status, got.Error)
	}
	if len(e.tr.paths) != 1 || !strings.HasPrefix(filepath.Base(e.tr.paths[0]), "restored_") || filepath.Ext(e.tr.paths[0]) != ".mp3" {
		t.Errorf("transcribed paths = %v", e.tr.paths)
	}
	if _, err := os.Stat(e.tr.paths[0]); !os.IsNotExist(err) {
		t.Error("restored file was not removed")
	}
	if _, err := e.blobs.Get(context.Background(), meta.BlobKey); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("blob still present: %v", err)
	}
	if got.SourceMeta.TmpPath != "" || got.SourceMeta.BlobKey != "" || got.SourceMeta.Filename != "talk.mp3" {
		t.Errorf("source meta not scrubbed: %+v", got.SourceMeta)
	}
	if got.Transcript.Source != models.TranscriptSourceEstimatedSegments {
		t.Errorf("transcript source = %s", got.Transcript.Source)
	}
}

func TestRunUpload_MissingFile(t *testing.T) {
	e := newEnv(t)
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: models.SourceMeta{Filename: "x.mp3", TmpPath: filepath.Join(e.dir, "gone.mp3")}})

	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	got := e.get(t, job.ID)
	if got.Status != models.JobStatusError || got.Error.Code != apperr.CodeUnknown {
		t.Fatalf("job = %s %+v", got.Status, got.Error)
	}
}

func TestRunUpload_FailureReleasesScratch(t *testing.T) {
	e := newEnv(t)
	meta := e.stageUpload(t, true)
	e.tr.err = apperr.Errorf(apperr.KindInvalidMedia, "ffmpeg", "ffmpeg conversion failed: bad header")
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: meta})

	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	got := e.get(t, job.ID)
	checkInvariants(t, got)
	if got.Error == nil || got.Error.Code != apperr.CodeInvalidMedia || got.Error.Retryable {
		t.Fatalf("error = %+v", got.Error)
	}
	if _, err := os.Stat(meta.TmpPath); !os.IsNotExist(err) {
		t.Error("staged file was not removed")
	}
	if _, err := e.blobs.Get(context.Background(), meta.BlobKey); !errors.Is(err, blobstore.ErrNotFound) {
		t.Error("blob of a non-retryable failure was kept")
	}
	if got.SourceMeta.TmpPath != "" || got.SourceMeta.BlobKey != "" {
		t.Errorf("source meta not scrubbed: %+v", got.SourceMeta)
	}
}

func TestRunUpload_RetryableFailureKeepsBlobForRetry(t *testing.T) {
	e := newEnv(t)
	meta := e.stageUpload(t, true)
	e.sum.err = errors.New("gemini: 429 rate limit")
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: meta})

	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	got := e.get(t, job.ID)
	if got.Error == nil || got.Error.Code != apperr.CodeRateLimited || !got.Error.Retryable {
		t.Fatalf("error = %+v", got.Error)
	}
	if got.Transcript == nil || got.Summary != nil {
		t.Errorf("partial results: transcript=%v summary=%v", got.Transcript != nil, got.Summary != nil)
	}
	if got.SourceMeta.BlobKey != meta.BlobKey || got.SourceMeta.TmpPath != "" {
		t.Errorf("source meta = %+v", got.SourceMeta)
	}

	// the retried attempt restores from the kept blob
	if _, err := e.svc.Retry(context.Background(), "owner-1", job.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	e.sum.err = nil
	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload retry: %v", err)
	}
	if got := e.get(t, job.ID); got.Status != models.JobStatusDone || got.RetryCount != 1 {
		t.Errorf("after retry: status=%s retry_count=%d", got.Status, got.RetryCount)
	}
}

func TestCancel_RunningJobStopsAtBoundary(t *testing.T) {
	e := newEnv(t)
	meta := e.stageUpload(t, true)
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: meta})

	e.tr.during = func() {
		got, err := e.svc.Cancel(context.Background(), "owner-1", job.ID)
		if err != nil || got.Status != models.JobStatusCancelRequested {
			t.Errorf("Cancel = %v, %v", got, err)
		}
	}
	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	got := e.get(t, job.ID)
	checkInvariants(t, got)
	if got.Status != models.JobStatusCancelled || got.Progress != 0 || got.Error != nil {
		t.Fatalf("job = %s progress=%d error=%+v", got.Status, got.Progress, got.Error)
	}
	if got.Transcript != nil {
		t.Error("transcript saved after the cancel request")
	}
	if _, err := os.Stat(meta.TmpPath); !os.IsNotExist(err) {
		t.Error("staged file was not removed")
	}
}

func TestCancel_QueuedJobNeverRuns(t *testing.T) {
	e := newEnv(t)
	meta := e.stageUpload(t, true)
	job := e.create(t, &models.Job{SourceType: models.SourceTypeUpload, SourceMeta: meta})
	if err := e.queue.Enqueue(context.Background(), queue.EntryUpload, job.ID, time.Minute, 1); err != nil {
		t.Fatal(err)
	}

	got, err := e.svc.Cancel(context.Background(), "owner-1", job.ID)
	if err != nil || got.Status != models.JobStatusCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue still holds %d tasks", e.queue.Len())
	}
	if _, err := os.Stat(meta.TmpPath); !os.IsNotExist(err) {
		t.Error("staged file was not removed")
	}

	// a task already in flight finds the job cancelled and skips it
	if err := e.orch.RunUpload(context.Background(), job.ID); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	if got := e.get(t, job.ID); got.Status != models.JobStatusCancelled || len(e.tr.paths) != 0 {
		t.Errorf("cancelled job ran: %s", got.Status)
	}

	if _, err := e.svc.Cancel(context.Background(), "owner-1", job.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second cancel err = %v, want conflict", err)
	}
}

func TestRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}})

	if _, err := e.svc.Retry(ctx, "owner-1", job.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("retry of queued job err = %v, want conflict", err)
	}

	fail := func() {
		t.Helper()
		_, err := e.store.Update(ctx, job.ID, models.JobPatch{
			Status:   models.Ptr(models.JobStatusError),
			Progress: models.Ptr(40),
			Error:    &models.JobError{Code: apperr.CodeTimeout, Retryable: true},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i <= 2; i++ {
		fail()
		got, err := e.svc.Retry(ctx, "owner-1", job.ID)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if got.Status != models.JobStatusQueued || got.Progress != 0 || got.Error != nil || got.RetryCount != i {
			t.Errorf("retry %d: %+v", i, got)
		}
		if got.ID != job.ID {
			t.Error("retry created a new job")
		}
		task, _ := e.queue.Dequeue(ctx)
		if task == nil || task.Entry != queue.EntryYouTube || task.JobID != job.ID {
			t.Fatalf("task = %+v", task)
		}
		e.queue.Ack(ctx, job.ID)
	}

	fail()
	if _, err := e.svc.Retry(ctx, "owner-1", job.ID); !errors.Is(err, apperr.ErrRetryLimit) {
		t.Errorf("err = %v, want retry limit", err)
	}
}

func TestResultAndOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}})

	if _, err := e.svc.Get(ctx, "someone-else", job.ID); !errors.Is(err, apperr.ErrJobNotFound) {
		t.Errorf("foreign get err = %v", err)
	}
	if _, err := e.svc.Get(ctx, "owner-1", "missing"); !errors.Is(err, apperr.ErrJobNotFound) {
		t.Errorf("missing get err = %v", err)
	}
	if _, err := e.svc.Result(ctx, "owner-1", job.ID); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("queued result err = %v", err)
	}

	e.fetcher.captions = &models.Transcript{Text: "hello", Source: models.TranscriptSourceCaptions}
	if err := e.orch.RunYouTube(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.Result(ctx, "owner-1", job.ID)
	if err != nil || res.Transcript.Text != "hello" || res.Summary.TLDR != "tl;dr" {
		t.Fatalf("Result = %+v, %v", res, err)
	}

	other := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube})
	e.store.Update(ctx, other.ID, models.JobPatch{Status: models.Ptr(models.JobStatusError), Error: &models.JobError{Code: apperr.CodeUnknown, Message: "boom"}})
	var failed *FailedError
	if _, err := e.svc.Result(ctx, "owner-1", other.ID); !errors.As(err, &failed) || failed.Payload.Message != "boom" {
		t.Errorf("error result err = %v", err)
	}
}

func TestRun_TimeoutIsClassified(t *testing.T) {
	e := newEnv(t)
	job := e.create(t, &models.Job{SourceType: models.SourceTypeYouTube, SourceMeta: models.SourceMeta{URL: "https://youtu.be/abc"}})

	ctx, cancel := context.WithCancel(context.Background())
	e.tr.during = cancel
	e.tr.err = context.DeadlineExceeded

	if err := e.orch.RunYouTube(ctx, job.ID); err != nil {
		t.Fatalf("RunYouTube: %v", err)
	}
	got := e.get(t, job.ID)
	if got.Status != models.JobStatusError || got.Error.Code != apperr.CodeTimeout {
		t.Errorf("job = %s %+v", got.Status, got.Error)
	}

	if _, err := EntryFor("rss"); err == nil {
		t.Error("unknown source type accepted")
	}
}
