package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"mediabrief/internal/models"
)

// jobView はAPIに返すジョブの表現（内部パスは含めない）
type jobView struct {
	ID           string            `json:"job_id"`
	Status       models.JobStatus  `json:"status"`
	Progress     int               `json:"progress"`
	SourceType   string            `json:"source_type"`
	SourceMeta   models.SourceMeta `json:"source_meta"`
	SummaryStyle string            `json:"summary_style"`
	Language     string            `json:"language"`
	Error        *models.JobError  `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newJobView(job *models.Job) jobView {
	return jobView{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		SourceType:   job.SourceType,
		SourceMeta:   job.SourceMeta.Scrubbed(),
		SummaryStyle: job.SummaryStyle,
		Language:     job.Language,
		Error:        job.Error,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

// Config は公開設定を返す（主体不要）
func (h *Handler) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int64{
		"max_upload_mb": h.submitter.MaxUploadBytes() / (1024 * 1024),
	})
}

// GetJob はジョブの状態を取得
func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.service.Get(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, newJobView(job))
}

// GetResult は完了したジョブの結果を取得
func (h *Handler) GetResult(c echo.Context) error {
	result, err := h.service.Result(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Cancel はジョブをキャンセル
func (h *Handler) Cancel(c echo.Context) error {
	job, err := h.service.Cancel(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, newJobView(job))
}

// Retry は失敗したジョブを再実行
func (h *Handler) Retry(c echo.Context) error {
	job, err := h.service.Retry(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, newJobView(job))
}
