package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"mediabrief/internal/ingestion"
)

// youtubeRequest は POST /v1/youtube のリクエストボディ
type youtubeRequest struct {
	URL          string `json:"url"`
	SummaryStyle string `json:"summary_style"`
	Language     string `json:"language"`
}

// SubmitYouTube はYouTube URLの処理を受け付ける
func (h *Handler) SubmitYouTube(c echo.Context) error {
	var body youtubeRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}

	req := ingestion.Request{
		OwnerID:  owner(c),
		Style:    body.SummaryStyle,
		Language: body.Language,
	}
	job, err := h.submitter.SubmitYouTube(c.Request().Context(), req, body.URL)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, jobCreated{JobID: job.ID, Status: string(job.Status)})
}
