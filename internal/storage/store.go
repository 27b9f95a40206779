package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"mediabrief/internal/apperr"
	"mediabrief/internal/models"
)

// Store はジョブストアのインターフェース
//
// すべての変更は1ジョブに対する read-modify-write で、トランザクション内で行う。
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	// Get は存在しない場合 nil, nil を返す
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error)
	// Transition は現在のステータスが from に含まれる場合のみパッチを適用する
	// 含まれない場合は apperr.ErrConflict を返す
	Transition(ctx context.Context, id string, from []models.JobStatus, patch models.JobPatch) (*models.Job, error)
	Delete(ctx context.Context, id string) error
	// ListOlderThan は created_at が cutoff より古いジョブを古い順に返す
	ListOlderThan(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error)
	// ListUpdatedBefore は updated_at が cutoff より古いジョブを返す
	ListUpdatedBefore(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error)
}

// prepareNew は作成前のジョブに既定値を設定する
func prepareNew(job *models.Job, newID func() string) {
	if job.ID == "" {
		job.ID = newID()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.SummaryStyle == "" {
		job.SummaryStyle = models.SummaryStyleMedium
	}
	if job.Language == "" {
		job.Language = models.LanguageAuto
	}
}

// checkFrom は遷移元ステータスを検証する。from が空なら常に許可
func checkFrom(job *models.Job, from []models.JobStatus) error {
	if len(from) == 0 || slices.Contains(from, job.Status) {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s", apperr.ErrConflict, job.ID, job.Status)
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
