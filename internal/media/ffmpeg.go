// Package media normalizes, measures and splits audio with ffmpeg/ffprobe.
package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"mediabrief/internal/apperr"
	"mediabrief/internal/logger"
)

// SupportedFormats lists the media extensions accepted for upload.
var SupportedFormats = []string{
	".mp3", ".mp4", ".m4a", ".wav", ".ogg", ".webm", ".flac", ".mpeg",
	".mpga", ".avi", ".mkv", ".mov", ".wma", ".aac",
}

// IsSupportedFormat checks if the file extension is a supported media format
func IsSupportedFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range SupportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// SampleRate is the canonical sample rate of normalized audio.
const SampleRate = 16000

// Transcoder is the audio capability used by the transcription stage.
type Transcoder interface {
	// Normalize converts any audio/video to mono 16 kHz 64 kbps mp3 and returns the new path.
	Normalize(ctx context.Context, path string) (string, error)
	// Split cuts path into contiguous chunks of at most maxBytes each, without re-encoding.
	// A file already within the limit is returned as the only chunk.
	Split(ctx context.Context, path string, maxBytes int64) ([]string, error)
	// Duration returns the media duration in seconds.
	Duration(ctx context.Context, path string) (float64, error)
}

// Options configures FFmpeg.
type Options struct {
	FFmpegPath        string
	FFprobePath       string
	TempDir           string
	MinSegmentSeconds float64
	SafetyMargin      float64
}

// FFmpeg implements Transcoder with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	opts   Options
	runner Runner
	log    logger.Logger
}

// NewFFmpeg creates an FFmpeg transcoder.
func NewFFmpeg(opts Options, log logger.Logger) *FFmpeg {
	return newFFmpeg(opts, ExecRunner{}, log)
}

func newFFmpeg(opts Options, runner Runner, log logger.Logger) *FFmpeg {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.MinSegmentSeconds <= 0 {
		opts.MinSegmentSeconds = 60
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = 0.9
	}
	return &FFmpeg{opts: opts, runner: runner, log: log}
}

func (f *FFmpeg) tempPath(prefix, ext string) string {
	return filepath.Join(f.opts.TempDir, prefix+"_"+strings.ReplaceAll(uuid.NewString(), "-", "")+ext)
}

// Normalize converts the input to the canonical encoding.
func (f *FFmpeg) Normalize(ctx context.Context, inputPath string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("media: input file not found: %w", err)
	}

	outPath := f.tempPath("conv", ".mp3")
	res, err := f.runner.Run(ctx, f.opts.FFmpegPath,
		"-y", "-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
		"-ab", "64k",
		"-f", "mp3",
		outPath,
	)
	if err != nil {
		os.Remove(outPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("media: normalize: %w", ctxErr)
		}
		return "", apperr.Errorf(apperr.KindInvalidMedia, "media", "ffmpeg conversion failed: %s", clip(res.Stderr, 500))
	}
	return outPath, nil
}

// SegmentSeconds returns the chunk length that keeps each chunk under maxBytes.
func SegmentSeconds(size int64, duration float64, maxBytes int64, margin, minSeconds float64) float64 {
	if size <= 0 || duration <= 0 {
		return minSeconds
	}
	bytesPerSec := float64(size) / duration
	secs := math.Floor(float64(maxBytes) / bytesPerSec * margin)
	return math.Max(secs, minSeconds)
}

// Split cuts the file into contiguous chunks with stream copy.
func (f *FFmpeg) Split(ctx context.Context, path string, maxBytes int64) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("media: stat %s: %w", path, err)
	}
	if info.Size() <= maxBytes {
		return []string{path}, nil
	}

	duration, err := f.Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		// the provider may still accept it; let it decide
		f.log.Warn(ctx, "cannot split %s: unknown duration, sending whole file", filepath.Base(path))
		return []string{path}, nil
	}

	segSecs := SegmentSeconds(info.Size(), duration, maxBytes, f.opts.SafetyMargin, f.opts.MinSegmentSeconds)
	count := int(math.Ceil(duration / segSecs))
	f.log.Info(ctx, "splitting audio: duration=%.1fs chunks=%d seg_secs=%.0f", duration, count, segSecs)

	chunks := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out := f.tempPath(fmt.Sprintf("chunk_%03d", i), ".mp3")
		res, err := f.runner.Run(ctx, f.opts.FFmpegPath,
			"-y",
			"-ss", formatSeconds(float64(i)*segSecs),
			"-t", formatSeconds(segSecs),
			"-i", path,
			"-c", "copy",
			out,
		)
		if err == nil {
			if st, statErr := os.Stat(out); statErr != nil || st.Size() == 0 {
				err = errors.New("empty chunk")
			}
		}
		if err != nil {
			os.Remove(out)
			RemoveAll(chunks)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("media: split: %w", ctxErr)
			}
			return nil, apperr.Errorf(apperr.KindInvalidMedia, "media", "ffmpeg conversion failed: split chunk %d: %v %s", i, err, clip(res.Stderr, 200))
		}
		chunks = append(chunks, out)
	}
	return chunks, nil
}

// Duration returns the duration of a media file in seconds
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	res, err := f.runner.Run(ctx, f.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("media: failed to get duration: %w: %s", err, clip(res.Stderr, 200))
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(res.Stdout)), 64)
	if err != nil {
		return 0, fmt.Errorf("media: failed to parse duration: %w", err)
	}
	return duration, nil
}

// DecodePCM decodes path to mono 16 kHz float32 samples.
func (f *FFmpeg) DecodePCM(ctx context.Context, path string) ([]float32, error) {
	res, err := f.runner.Run(ctx, f.opts.FFmpegPath,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("media: decode: %w", ctxErr)
		}
		return nil, apperr.Errorf(apperr.KindInvalidMedia, "media", "ffmpeg conversion failed: decode pcm: %s", clip(res.Stderr, 500))
	}
	return bytesToFloat32(res.Stdout), nil
}

func bytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := 0; i < len(samples); i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// RemoveAll deletes scratch files, ignoring ones already gone.
func RemoveAll(paths []string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
