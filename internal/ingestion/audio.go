package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"mediabrief/internal/blobstore"
	"mediabrief/internal/media"
	"mediabrief/internal/models"
)

// SubmitUpload stages an uploaded media file and queues an upload job.
// The file is written to the upload directory and copied to the blob store in one pass,
// so a worker on another host can restore it.
func (s *Submitter) SubmitUpload(ctx context.Context, req Request, filename string, r io.Reader) (*models.Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if !media.IsSupportedFormat(filename) {
		return nil, fmt.Errorf("%w: unsupported file type: %q", ErrInvalidInput, filepath.Ext(filename))
	}

	ext := strings.ToLower(filepath.Ext(filename))
	safeName := strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	tmpPath := filepath.Join(s.cfg.UploadDir, safeName)
	blobKey := blobstore.KeyPrefix + safeName

	size, err := s.stage(ctx, r, tmpPath, blobKey)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		OwnerID:    req.OwnerID,
		SourceType: models.SourceTypeUpload,
		SourceMeta: models.SourceMeta{
			Filename:  filepath.Base(filename),
			SizeBytes: size,
			TmpPath:   tmpPath,
			BlobKey:   blobKey,
		},
		SummaryStyle: req.Style,
		Language:     req.Language,
	}
	created, err := s.submit(ctx, job)
	if err != nil {
		s.discard(ctx, tmpPath, blobKey)
		return nil, err
	}
	return created, nil
}

// stage streams r into the local file and the blob, enforcing the size limit.
func (s *Submitter) stage(ctx context.Context, r io.Reader, tmpPath, blobKey string) (int64, error) {
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	var size int64
	if s.blobs != nil {
		size, err = s.blobs.Put(ctx, blobKey, io.TeeReader(r, file), s.cfg.MaxUploadBytes, s.cfg.BlobTTL)
	} else {
		size, err = io.Copy(file, io.LimitReader(r, s.cfg.MaxUploadBytes+1))
		if err == nil && size > s.cfg.MaxUploadBytes {
			err = blobstore.ErrTooLarge
		}
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		s.discard(ctx, tmpPath, blobKey)
		if errors.Is(err, blobstore.ErrTooLarge) {
			return 0, fmt.Errorf("%w: max %d MB", ErrTooLarge, s.cfg.MaxUploadBytes/(1024*1024))
		}
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	if size == 0 {
		s.discard(ctx, tmpPath, blobKey)
		return 0, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	return size, nil
}

func (s *Submitter) discard(ctx context.Context, tmpPath, blobKey string) {
	os.Remove(tmpPath)
	if s.blobs != nil {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), blobKey); err != nil {
			s.log.Warn(ctx, "remove blob %s: %v", blobKey, err)
		}
	}
}
