package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mediabrief/internal/logger"
	"mediabrief/internal/media"
)

// Watcher submits media files dropped into a directory as upload jobs.
type Watcher struct {
	dir       string
	owner     string
	submitter *Submitter
	log       logger.Logger
	watcher   *fsnotify.Watcher
	// settle is how long a new file is left alone so its writer can finish
	settle time.Duration
}

// NewWatcher watches dir and submits new files on behalf of owner.
func NewWatcher(dir, owner string, submitter *Submitter, log logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}
	return &Watcher{
		dir:       dir,
		owner:     owner,
		submitter: submitter,
		log:       log,
		watcher:   fw,
		settle:    500 * time.Millisecond,
	}, nil
}

// Start processes directory events until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.log.Info(ctx, "drop folder watcher started: %s", w.dir)
	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "drop folder watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !media.IsSupportedFormat(event.Name) {
				w.log.Debug(ctx, "ignoring unsupported file: %s", event.Name)
				continue
			}
			select {
			case <-time.After(w.settle):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := w.handle(ctx, event.Name); err != nil {
				w.log.Error(ctx, "failed to submit %s: %v", event.Name, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Error(ctx, "watcher error: %v", err)
		}
	}
}

// Stop closes the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// handle submits one dropped file and removes it once it is staged.
func (w *Watcher) handle(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	job, err := w.submitter.SubmitUpload(ctx, Request{OwnerID: w.owner}, filepath.Base(path), f)
	f.Close()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		w.log.Warn(ctx, "remove dropped file %s: %v", path, err)
	}
	w.log.Info(logger.WithJob(ctx, job.ID), "dropped file submitted: %s", filepath.Base(path))
	return nil
}
