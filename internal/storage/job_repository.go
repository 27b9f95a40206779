package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediabrief/internal/apperr"
	"mediabrief/internal/models"
)

// JobRepository はジョブのデータアクセス層（SQLite）
type JobRepository struct {
	db *DB
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, owner_id, status, progress, source_type, source_meta, summary_style,
	language, transcript, summary, error, retry_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create は新しいジョブを作成
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	prepareNew(job, uuid.NewString)

	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row...)
	if err != nil {
		return fmt.Errorf("db: create job: %w", err)
	}
	return nil
}

// Get はIDでジョブを取得
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get job %s: %w", id, err)
	}
	return job, nil
}

// Update はジョブに部分更新を適用する
func (r *JobRepository) Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	return r.Transition(ctx, id, nil, patch)
}

// Transition はステータスを検証したうえでパッチを適用する
func (r *JobRepository) Transition(ctx context.Context, id string, from []models.JobStatus, patch models.JobPatch) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("db: load job %s: %w", id, err)
	}
	if err := checkFrom(job, from); err != nil {
		return nil, err
	}
	if err := patch.Apply(job, time.Now().UTC()); err != nil {
		return nil, err
	}

	row, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	// row[0] は id なので末尾に回す
	args := append(row[1:], job.ID)
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET owner_id = ?, status = ?, progress = ?, source_type = ?,
		source_meta = ?, summary_style = ?, language = ?, transcript = ?, summary = ?, error = ?,
		retry_count = ?, created_at = ?, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("db: update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("db: commit: %w", err)
	}
	return job, nil
}

// Delete はジョブを削除
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("db: delete job %s: %w", id, err)
	}
	return nil
}

// ListOlderThan は作成日時が cutoff より古いジョブを取得
func (r *JobRepository) ListOlderThan(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	return r.list(ctx, "created_at", cutoff, statuses, limit)
}

// ListUpdatedBefore は更新日時が cutoff より古いジョブを取得
func (r *JobRepository) ListUpdatedBefore(ctx context.Context, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	return r.list(ctx, "updated_at", cutoff, statuses, limit)
}

func (r *JobRepository) list(ctx context.Context, column string, cutoff time.Time, statuses []models.JobStatus, limit int) ([]models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders + `) AND ` +
		column + ` < ? ORDER BY ` + column + ` ASC LIMIT ?`

	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, cutoff.UTC().UnixNano(), limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("db: scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func encodeJob(job *models.Job) ([]any, error) {
	meta, err := json.Marshal(job.SourceMeta)
	if err != nil {
		return nil, fmt.Errorf("db: encode source_meta: %w", err)
	}
	transcript, err := nullJSON(job.Transcript)
	if err != nil {
		return nil, fmt.Errorf("db: encode transcript: %w", err)
	}
	summary, err := nullJSON(job.Summary)
	if err != nil {
		return nil, fmt.Errorf("db: encode summary: %w", err)
	}
	jobErr, err := nullJSON(job.Error)
	if err != nil {
		return nil, fmt.Errorf("db: encode error: %w", err)
	}
	return []any{
		job.ID, job.OwnerID, string(job.Status), job.Progress, job.SourceType, string(meta),
		job.SummaryStyle, job.Language, transcript, summary, jobErr, job.RetryCount,
		job.CreatedAt.UTC().UnixNano(), job.UpdatedAt.UTC().UnixNano(),
	}, nil
}

func scanJob(s rowScanner) (*models.Job, error) {
	var (
		job                         models.Job
		status, meta                string
		transcript, summary, jobErr sql.NullString
		created, updated            int64
	)
	err := s.Scan(&job.ID, &job.OwnerID, &status, &job.Progress, &job.SourceType, &meta,
		&job.SummaryStyle, &job.Language, &transcript, &summary, &jobErr, &job.RetryCount,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()

	if err := json.Unmarshal([]byte(meta), &job.SourceMeta); err != nil {
		return nil, fmt.Errorf("decode source_meta: %w", err)
	}
	if transcript.Valid {
		job.Transcript = &models.Transcript{}
		if err := json.Unmarshal([]byte(transcript.String), job.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if summary.Valid {
		job.Summary = &models.Summary{}
		if err := json.Unmarshal([]byte(summary.String), job.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	if jobErr.Valid {
		job.Error = &models.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	return &job, nil
}

func nullJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
