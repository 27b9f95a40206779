package main

import (
	"context"
	"fmt"
	"os"

	"mediabrief/internal/blobstore"
	"mediabrief/internal/config"
	"mediabrief/internal/ingestion"
	"mediabrief/internal/logger"
	"mediabrief/internal/pipeline"
	"mediabrief/internal/queue"
	"mediabrief/internal/retention"
	"mediabrief/internal/storage"
)

// app holds the process-owned infrastructure shared by every command.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   storage.Store
	queue   queue.Queue
	blobs   blobstore.Store
	locker  retention.Locker
	sweeper *retention.Sweeper
	// shared is true when the queue is visible to other processes.
	shared  bool
	closers []func() error
}

// newApp loads the configuration and connects the job store, queue, blob store and lock.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger.New(cfg.Log.Level, cfg.Log.Format)}

	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// an attempt never outlives job_timeout, so a running job quiet for longer has lost its worker
	a.sweeper = retention.NewSweeper(a.store, a.blobs, a.locker, a.log, retention.Config{
		Retention:    cfg.Retention.JobRetention,
		Interval:     cfg.Retention.SweepInterval,
		BatchSize:    cfg.Retention.BatchSize,
		BlobTTL:      cfg.Retention.UploadBlobTTL,
		CancelGrace:  cfg.Jobs.CancelGrace,
		StaleRunning: cfg.Queue.JobTimeout + cfg.Jobs.CancelGrace,
	})
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Database.Driver {
	case "mysql":
		db, err := storage.ConnectMySQL(a.cfg.Database.DSN)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		a.store = storage.NewGormJobRepository(db)
		a.locker = storage.NewLeaseLocker(db, holderName())
	default:
		db, err := storage.Open(a.cfg.Database.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.store = storage.NewJobRepository(db)
		a.locker = storage.NewSQLLeaseLocker(db, holderName())
	}
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.queue = queue.NewMemoryQueue()
		a.blobs = blobstore.NewMemoryStore()
		return nil
	}

	client := queue.NewRedisClient(a.cfg.Redis)
	a.closers = append(a.closers, client.Close)
	if err := queue.PingRedis(ctx, client); err != nil {
		return err
	}
	a.queue = queue.NewRedisQueue(client, a.cfg.Queue.Name)
	a.blobs = blobstore.NewRedisStore(client)
	a.locker = retention.NewRedisLocker(client)
	a.shared = true
	return nil
}

func (a *app) service() *pipeline.Service {
	return pipeline.NewService(a.store, a.queue, a.blobs, pipeline.ServiceConfig{
		MaxUserRetries:  a.cfg.Jobs.MaxUserRetries,
		JobTimeout:      a.cfg.Queue.JobTimeout,
		DeliveryRetries: a.cfg.Queue.DeliveryRetries,
	}, a.log)
}

func (a *app) submitter() *ingestion.Submitter {
	return ingestion.NewSubmitter(a.store, a.queue, a.blobs, ingestion.Config{
		UploadDir:       a.cfg.Server.UploadDir,
		MaxUploadBytes:  a.cfg.MaxUploadBytes(),
		BlobTTL:         a.cfg.Retention.UploadBlobTTL,
		JobTimeout:      a.cfg.Queue.JobTimeout,
		DeliveryRetries: a.cfg.Queue.DeliveryRetries,
	}, a.log)
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn(context.Background(), "close: %v", err)
		}
	}
	a.closers = nil
}

func holderName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
