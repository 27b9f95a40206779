package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"mediabrief/internal/asr"
	"mediabrief/internal/gemini"
	"mediabrief/internal/handlers"
	"mediabrief/internal/ingestion"
	"mediabrief/internal/logger"
	"mediabrief/internal/media"
	"mediabrief/internal/pipeline"
	"mediabrief/internal/queue"
	"mediabrief/internal/summarize"
	"mediabrief/internal/transcribe"
	"mediabrief/internal/version"
	"mediabrief/internal/worker"
	"mediabrief/internal/youtube"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with an embedded worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only (requires redis.addr so a separate worker can consume the queue)")
	return cmd
}

func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string, withWorker bool) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if !withWorker && !a.shared {
		return errors.New("serve: --no-worker needs redis.addr, the in-process queue would never be consumed")
	}

	var w *worker.Worker
	if withWorker {
		if w, err = startWorker(ctx, a); err != nil {
			return err
		}
		defer w.Stop()
	}

	sub := a.submitter()
	if a.cfg.Ingest.WatchDir != "" {
		watcher, err := ingestion.NewWatcher(a.cfg.Ingest.WatchDir, a.cfg.Ingest.OwnerID, sub, a.log)
		if err != nil {
			return err
		}
		defer watcher.Stop()
		go watcher.Start(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	if gl := logger.Gommon(a.log); gl != nil {
		e.Logger = gl
	}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	handlers.NewHandler(sub, a.service(), a.log).
		Register(e, handlers.NewSubmitLimiterStore(a.cfg.Server.SubmitRatePerMinute))

	errCh := make(chan error, 1)
	go func() {
		a.log.Info(ctx, "starting mediabrief v%s on %s", version.Version, a.cfg.Server.Addr)
		if err := e.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.shared {
		a.log.Warn(ctx, "redis.addr is empty: the worker only sees its own in-process queue")
	}
	w, err := startWorker(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// startWorker builds the pipeline providers and starts the pool with its sweep schedule.
func startWorker(ctx context.Context, a *app) (*worker.Worker, error) {
	orch, err := newOrchestrator(a)
	if err != nil {
		return nil, err
	}

	w := worker.NewWorker(a.queue, worker.Config{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Worker.PollInterval,
		RetryBackoff: a.cfg.Queue.RetryBackoff,
	}, a.log)
	w.RegisterHandler(queue.EntryYouTube, orch.RunYouTube)
	w.RegisterHandler(queue.EntryUpload, orch.RunUpload)
	if err := w.ScheduleSweep(a.cfg.Worker.SweepSchedule, func(ctx context.Context) error {
		_, err := a.sweeper.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}

func newOrchestrator(a *app) (*pipeline.Orchestrator, error) {
	cfg := a.cfg
	ffmpeg := media.NewFFmpeg(media.Options{
		FFmpegPath:        cfg.Transcription.FFmpegPath,
		FFprobePath:       cfg.Transcription.FFprobePath,
		MinSegmentSeconds: cfg.Transcription.MinSegmentSeconds,
		SafetyMargin:      cfg.Transcription.SafetyMargin,
	}, a.log)

	asrProvider, err := asr.New(cfg.Transcription, cfg.Summary.APIKeys, ffmpeg, a.log)
	if err != nil {
		return nil, err
	}
	llmClient, err := gemini.New(cfg.Summary.APIKeys, cfg.Summary.Model, a.log)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summarizer := summarize.New(summarize.NewGeminiLLM(llmClient, a.log), summarize.Config{
		ChunkTokens:       cfg.Summary.ChunkTokens,
		CharsPerToken:     cfg.Summary.CharsPerToken,
		TimestampMaxChars: cfg.Summary.TimestampMaxChars,
		MapConcurrency:    cfg.Summary.MapConcurrency,
	}, a.log)

	return pipeline.NewOrchestrator(pipeline.Deps{
		Store:       a.store,
		Blobs:       a.blobs,
		Fetcher:     youtube.NewClient(cfg.YouTube, a.log),
		Transcriber: transcribe.New(ffmpeg, asrProvider, cfg.MaxChunkBytes(), a.log),
		Summarizer:  summarizer,
		Prober:      ffmpeg,
		Sweeper:     a.sweeper,
		Log:         a.log,
		TempDir:     cfg.Server.UploadDir,
	}), nil
}
