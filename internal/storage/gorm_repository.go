package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mediabrief/internal/apperr"
	"mediabrief/internal/models"
)

// jobRecord はGORM用のジョブ行
type jobRecord struct {
	ID           string             `gorm:"primaryKey;size:36"`
	OwnerID      string             `gorm:"size:128;index"`
	Status       string             `gorm:"size:32;not null;index:idx_jobs_status_created,priority:1"`
	Progress     int                `gorm:"not null;default:0"`
	SourceType   string             `gorm:"size:16;not null"`
	SourceMeta   models.SourceMeta  `gorm:"serializer:json;type:text"`
	SummaryStyle string             `gorm:"size:16"`
	Language     string             `gorm:"size:16"`
	Transcript   *models.Transcript `gorm:"serializer:json;type:longtext"`
	Summary      *models.Summary    `gorm:"serializer:json;type:text"`
	Error        *models.JobError   `gorm:"serializer:json;type:text"`
	RetryCount   int                `gorm:"not null;default:0"`
	CreatedAt    time.Time          `gorm:"index:idx_jobs_status_created,priority:2"`
	UpdatedAt    time.Time
}

func (jobRecord) TableName() string { return "jobs" }

func toRecord(job *models.Job) *jobRecord {
	return &jobRecord{
		ID:           job.ID,
		OwnerID:      job.OwnerID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		SourceType:   job.SourceType,
		SourceMeta:   job.SourceMeta,
		SummaryStyle: job.SummaryStyle,
		Language:     job.Language,
		Transcript:   job.Transcript,
		Summary:      job.Summary,
		Error:        job.Error,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func (r *jobRecord) toJob() *models.Job {
	return &models.Job{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Status:       models.JobStatus(r.Status),
		Progress:     r.Progress,
		SourceType:   r.SourceType,
		SourceMeta:   r.SourceMeta,
		SummaryStyle: r.SummaryStyle,
		Language:     r.Language,
		Transcript:   r.Transcript,
		Summary:      r.Summary,
		Error:        r.Error,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// ConnectMySQL opens a GORM connection to MySQL.
func ConnectMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect mysql: %w", err)
	}
	return db, nil
}

// AllModels returns the GORM models for migration.
func AllModels() []any {
	return []any{&jobRecord{}, &lockRecord{}}
}

// AutoMigrate creates or updates the job and lock tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// GormJobRepository はGORM（MySQL）上のジョブストア
type GormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository は新しいGormJobRepositoryを作成
func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

// Create は新しいジョブを作成
func (r *GormJobRepository) Create(ctx context.Context, job *models.Job) error {
	prepareNew(job, uuid.NewString)
	if err := r.db.WithContext(ctx).Create(toRecord(job)).Error; err != nil {
		return fmt.Errorf("db: create job: %w", err)
	}
	return nil
}

// Get はIDでジョブを取得
func (r *GormJobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var rec jobRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get job %s: %w", id, err)
	}
	return rec.toJob(), nil
}

// Update はジョブに部分更新を適用する
func (r *GormJobRepository) Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	return r.Transition(ctx, id, nil, patch)
}

// Transition は行ロックを取ってステータスを検証し、パッチを適用する
func (r *GormJobRepository) Transition(ctx context.Context, id string, from []models.JobStatus, patch models.JobPatch) (*models.Job, error) {
	var out *models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec jobRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("db: load job %s: %w", id, err)
		}

		job := rec.toJob()
		if err := checkFrom(job, from); err != nil {
			return err
		}
		if err := patch.Apply(job, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.Save(toRecord(job)).Error; err != nil {
			return fmt.Errorf("db: update job %s: %w", id, err)
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete はジョブを削除
func (r *GormJobRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRecord{}).Error; err != nil {
		return fmt.Errorf("db: delete job %s: %w", id, err)
	}
	return nil
}

// ListOlderThan は作成日時が cutoff より古いジョブを取得
func (r *GormJobRepository) ListOlderThan(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	return r.list(ctx, "created_at", cutoff, statuses, limit)
}

// ListUpdatedBefore は更新日時が cutoff より古いジョブを取得
func (r *GormJobRepository) ListUpdatedBefore(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	return r.list(ctx, "updated_at", cutoff, statuses, limit)
}

func (r *GormJobRepository) list(ctx context.Context, column string, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var recs []jobRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND "+column+" < ?", statusStrings(statuses), cutoff.UTC()).
		Order(column + " ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("db: list jobs: %w", err)
	}
	jobs := make([]models.Job, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, *recs[i].toJob())
	}
	return jobs, nil
}
