package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"mediabrief/internal/ingestion"
)

// jobCreated は投稿に対するレスポンス
type jobCreated struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Upload は音声・動画ファイルのアップロードを受け付ける
// POST /v1/upload (multipart: file, summary_style, language)
func (h *Handler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no file uploaded"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open file"})
	}
	defer f.Close()

	req := ingestion.Request{
		OwnerID:  owner(c),
		Style:    c.FormValue("summary_style"),
		Language: c.FormValue("language"),
	}
	job, err := h.submitter.SubmitUpload(ctx, req, fh.Filename, f)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, jobCreated{JobID: job.ID, Status: string(job.Status)})
}
