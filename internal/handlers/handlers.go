package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"mediabrief/internal/apperr"
	"mediabrief/internal/ingestion"
	"mediabrief/internal/logger"
	"mediabrief/internal/pipeline"
	"mediabrief/internal/version"
)

// OwnerHeader はリクエストの主体を示すヘッダー
const OwnerHeader = "X-Owner-ID"

// Handler は API のハンドラー
type Handler struct {
	submitter *ingestion.Submitter
	service   *pipeline.Service
	log       logger.Logger
}

// NewHandler は新しいHandlerを作成
func NewHandler(submitter *ingestion.Submitter, service *pipeline.Service, log logger.Logger) *Handler {
	return &Handler{submitter: submitter, service: service, log: log}
}

// NewSubmitLimiterStore は投稿エンドポイント用のレートリミッターストアを作成
// perMinute が 0 以下の場合は nil（制限なし）
func NewSubmitLimiterStore(perMinute int) middleware.RateLimiterStore {
	if perMinute <= 0 {
		return nil
	}
	return middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})
}

// Register はルートを登録する
// limiter はプロセスが所有し注入する。nil の場合は投稿を制限しない
func (h *Handler) Register(e *echo.Echo, limiter middleware.RateLimiterStore) {
	e.GET("/health", Health)

	v1 := e.Group("/v1")
	v1.GET("/jobs/config", h.Config)

	submit := []echo.MiddlewareFunc{requireOwner}
	if limiter != nil {
		submit = append(submit, middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: limiter,
			IdentifierExtractor: func(c echo.Context) (string, error) {
				return "submit:" + c.RealIP(), nil
			},
			ErrorHandler: func(c echo.Context, err error) error {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "failed to identify client"})
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded for submit, try again later"})
			},
		}))
	}
	v1.POST("/youtube", h.SubmitYouTube, submit...)
	v1.POST("/upload", h.Upload, submit...)

	jobs := v1.Group("/jobs", requireOwner)
	jobs.GET("/:id", h.GetJob)
	jobs.GET("/:id/result", h.GetResult)
	jobs.POST("/:id/cancel", h.Cancel)
	jobs.POST("/:id/retry", h.Retry)
}

// Health はヘルスチェック
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// requireOwner は主体ヘッダーのないリクエストを拒否する
func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if owner(c) == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": OwnerHeader + " header is required"})
		}
		return next(c)
	}
}

func owner(c echo.Context) string {
	return c.Request().Header.Get(OwnerHeader)
}

// respondError はドメインエラーをHTTPステータスに変換する
func (h *Handler) respondError(c echo.Context, err error) error {
	var failed *pipeline.FailedError
	switch {
	case errors.As(err, &failed):
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": failed.Payload})
	case errors.Is(err, apperr.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, apperr.ErrRetryLimit):
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrNotReady):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ingestion.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ingestion.ErrTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
	}
	h.log.Error(c.Request().Context(), "%s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
