package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mediabrief/internal/apperr"
	"mediabrief/internal/models"
)

func openSQLTestStore(t *testing.T) (*DB, *JobRepository) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, NewJobRepository(db)
}

func openGormTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// :memory: is per connection
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func stores(t *testing.T) map[string]Store {
	_, sqlRepo := openSQLTestStore(t)
	return map[string]Store{
		"sqlite": sqlRepo,
		"gorm":   NewGormJobRepository(openGormTestDB(t)),
	}
}

func newUploadJob() *models.Job {
	return &models.Job{
		OwnerID:    "owner-1",
		SourceType: models.SourceTypeUpload,
		SourceMeta: models.SourceMeta{Filename: "talk.mp3", SizeBytes: 1024, TmpPath: "/tmp/x.mp3"},
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newUploadJob()
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if job.ID == "" {
				t.Fatal("expected ID to be set")
			}
			if job.Status != models.JobStatusQueued {
				t.Errorf("Status = %q, want queued", job.Status)
			}

			got, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil")
			}
			if got.SourceMeta.Filename != "talk.mp3" || got.SourceMeta.TmpPath != "/tmp/x.mp3" {
				t.Errorf("SourceMeta = %+v", got.SourceMeta)
			}
			if got.SummaryStyle != models.SummaryStyleMedium || got.Language != models.LanguageAuto {
				t.Errorf("defaults = %q/%q", got.SummaryStyle, got.Language)
			}
			if got.Transcript != nil || got.Summary != nil || got.Error != nil {
				t.Errorf("expected empty results, got %+v", got)
			}

			missing, err := store.Get(ctx, "nope")
			if err != nil || missing != nil {
				t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
			}
		})
	}
}

func TestStore_TransitionAndUpdate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newUploadJob()
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}

			running, err := store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusQueued}, models.JobPatch{
				Status:   models.Ptr(models.JobStatusRunning),
				Progress: models.Ptr(5),
			})
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if running.Status != models.JobStatusRunning || running.Progress != 5 {
				t.Errorf("got %s/%d", running.Status, running.Progress)
			}

			_, err = store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusQueued}, models.JobPatch{
				Status: models.Ptr(models.JobStatusRunning),
			})
			if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("second claim err = %v, want ErrConflict", err)
			}

			transcript := &models.Transcript{
				Text:     "hello world",
				Segments: []models.Segment{{Start: 0, End: 1.5, Text: "hello world"}},
				Language: "en",
				Source:   models.TranscriptSourceASR,
			}
			summary := &models.Summary{TLDR: "greeting"}
			summary.Normalize()
			done, err := store.Update(ctx, job.ID, models.JobPatch{
				Status:     models.Ptr(models.JobStatusDone),
				Progress:   models.Ptr(100),
				Transcript: transcript,
				Summary:    summary,
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if !done.UpdatedAt.After(job.CreatedAt) && !done.UpdatedAt.Equal(job.CreatedAt) {
				t.Errorf("UpdatedAt %v before CreatedAt %v", done.UpdatedAt, job.CreatedAt)
			}

			got, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Transcript == nil || len(got.Transcript.Segments) != 1 || got.Transcript.Segments[0].End != 1.5 {
				t.Errorf("Transcript = %+v", got.Transcript)
			}
			if got.Summary == nil || got.Summary.TLDR != "greeting" {
				t.Errorf("Summary = %+v", got.Summary)
			}
		})
	}
}

func TestStore_ErrorInvariant(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newUploadJob()
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}

			if _, err := store.Update(ctx, job.ID, models.JobPatch{Status: models.Ptr(models.JobStatusError)}); err == nil {
				t.Error("expected error status without payload to be rejected")
			}

			failed, err := store.Update(ctx, job.ID, models.JobPatch{
				Status: models.Ptr(models.JobStatusError),
				Error:  &models.JobError{Code: "processing_failed", Message: "boom"},
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if failed.Error == nil {
				t.Fatal("expected error payload")
			}

			requeued, err := store.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusError}, models.JobPatch{
				Status:   models.Ptr(models.JobStatusQueued),
				Progress: models.Ptr(0),
			})
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if requeued.Error != nil {
				t.Errorf("Error = %+v, want cleared", requeued.Error)
			}

			got, _ := store.Get(ctx, job.ID)
			if got.Error != nil {
				t.Errorf("persisted Error = %+v, want nil", got.Error)
			}
		})
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Update(context.Background(), "missing", models.JobPatch{Progress: models.Ptr(10)})
			if !errors.Is(err, apperr.ErrJobNotFound) {
				t.Errorf("err = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestStore_ListOlderThan(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			create := func(status models.JobStatus, age time.Duration) string {
				job := newUploadJob()
				job.CreatedAt = now.Add(-age)
				job.Status = status
				if status == models.JobStatusError {
					job.Error = &models.JobError{Code: "processing_failed"}
				}
				if err := store.Create(ctx, job); err != nil {
					t.Fatalf("Create: %v", err)
				}
				return job.ID
			}

			oldDone := create(models.JobStatusDone, 48*time.Hour)
			oldErr := create(models.JobStatusError, 36*time.Hour)
			create(models.JobStatusRunning, 48*time.Hour)
			create(models.JobStatusDone, time.Hour)

			cutoff := now.Add(-24 * time.Hour)
			jobs, err := store.ListOlderThan(ctx, cutoff, models.TerminalStatuses, 10)
			if err != nil {
				t.Fatalf("ListOlderThan: %v", err)
			}
			if len(jobs) != 2 {
				t.Fatalf("len = %d, want 2", len(jobs))
			}
			if jobs[0].ID != oldDone || jobs[1].ID != oldErr {
				t.Errorf("order = %s, %s; want oldest first", jobs[0].ID, jobs[1].ID)
			}

			limited, err := store.ListOlderThan(ctx, cutoff, models.TerminalStatuses, 1)
			if err != nil {
				t.Fatalf("ListOlderThan: %v", err)
			}
			if len(limited) != 1 {
				t.Errorf("len = %d, want 1", len(limited))
			}

			if err := store.Delete(ctx, oldDone); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if got, _ := store.Get(ctx, oldDone); got != nil {
				t.Error("job still present after Delete")
			}
		})
	}
}
