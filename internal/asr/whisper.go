package asr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"mediabrief/internal/logger"
	"mediabrief/internal/media"
	"mediabrief/internal/models"
)

// SherpaConfig holds configuration for the local Whisper model
type SherpaConfig struct {
	ModelDir   string
	Task       string // transcribe or translate
	NumThreads int
	SampleRate int
	WindowSec  int // Whisper handles up to 30 seconds natively
}

func (c *SherpaConfig) withDefaults() *SherpaConfig {
	out := *c
	if out.Task == "" {
		out.Task = "transcribe"
	}
	if out.NumThreads <= 0 {
		out.NumThreads = 4
	}
	if out.SampleRate <= 0 {
		out.SampleRate = media.SampleRate
	}
	if out.WindowSec <= 0 {
		out.WindowSec = 30
	}
	return &out
}

// pcmDecoder turns a media file into mono float samples.
type pcmDecoder interface {
	DecodePCM(ctx context.Context, path string) ([]float32, error)
}

// decodeFunc recognizes one window of samples.
type decodeFunc func(samples []float32, language string) (string, error)

// SherpaTranscriber runs Whisper locally through sherpa-onnx.
// Each decode window becomes one segment.
type SherpaTranscriber struct {
	config  *SherpaConfig
	decoder pcmDecoder
	log     logger.Logger
	decode  decodeFunc

	mu          sync.Mutex
	recognizers map[string]*sherpa.OfflineRecognizer
	encoder     string
	decoderPath string
	tokens      string
}

// NewSherpaTranscriber locates the model files and prepares a transcriber.
// Recognizers are created lazily per language.
func NewSherpaTranscriber(config *SherpaConfig, decoder pcmDecoder, log logger.Logger) (*SherpaTranscriber, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	config = config.withDefaults()

	encoderCandidates := []string{
		"encoder.int8.onnx",
		"encoder.onnx",
		"large-v3-encoder.int8.onnx",
		"large-v3-encoder.onnx",
		"turbo-encoder.int8.onnx",
		"turbo-encoder.onnx",
	}
	decoderCandidates := []string{
		"decoder.int8.onnx",
		"decoder.onnx",
		"large-v3-decoder.int8.onnx",
		"large-v3-decoder.onnx",
		"turbo-decoder.int8.onnx",
		"turbo-decoder.onnx",
	}
	tokensCandidates := []string{
		"tokens.txt",
		"large-v3-tokens.txt",
		"turbo-tokens.txt",
	}

	t := &SherpaTranscriber{
		config:      config,
		decoder:     decoder,
		log:         log,
		recognizers: make(map[string]*sherpa.OfflineRecognizer),
		encoder:     findModelFile(config.ModelDir, encoderCandidates),
		decoderPath: findModelFile(config.ModelDir, decoderCandidates),
		tokens:      findModelFile(config.ModelDir, tokensCandidates),
	}
	if t.encoder == "" {
		return nil, fmt.Errorf("encoder model not found in %s", config.ModelDir)
	}
	if t.decoderPath == "" {
		return nil, fmt.Errorf("decoder model not found in %s", config.ModelDir)
	}
	if t.tokens == "" {
		return nil, fmt.Errorf("tokens file not found in %s", config.ModelDir)
	}
	t.decode = t.decodeWindow
	return t, nil
}

// recognizer returns the recognizer for language, creating it on first use.
// Whisper takes an empty language for auto-detection.
func (t *SherpaTranscriber) recognizer(language string) (*sherpa.OfflineRecognizer, error) {
	if language == models.LanguageAuto {
		language = ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.recognizers[language]; ok {
		return r, nil
	}

	sherpaConfig := sherpa.OfflineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: t.config.SampleRate,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OfflineModelConfig{
			Whisper: sherpa.OfflineWhisperModelConfig{
				Encoder:  t.encoder,
				Decoder:  t.decoderPath,
				Language: language,
				Task:     t.config.Task,
			},
			Tokens:     t.tokens,
			NumThreads: t.config.NumThreads,
			Debug:      0,
		},
	}

	r := sherpa.NewOfflineRecognizer(&sherpaConfig)
	if r == nil {
		return nil, fmt.Errorf("failed to create Whisper recognizer")
	}
	t.recognizers[language] = r
	return r, nil
}

// Close releases the recognizer resources
func (t *SherpaTranscriber) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for lang, r := range t.recognizers {
		sherpa.DeleteOfflineRecognizer(r)
		delete(t.recognizers, lang)
	}
}

func (t *SherpaTranscriber) decodeWindow(samples []float32, language string) (string, error) {
	r, err := t.recognizer(language)
	if err != nil {
		return "", err
	}

	stream := sherpa.NewOfflineStream(r)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(t.config.SampleRate, samples)
	r.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return "", nil
	}
	return strings.TrimSpace(result.Text), nil
}

// Transcribe decodes the chunk to PCM and recognizes it window by window.
// The context is checked between windows; a window in progress is not interrupted.
func (t *SherpaTranscriber) Transcribe(ctx context.Context, chunkPath, language string) (*Result, error) {
	samples, err := t.decoder.DecodePCM(ctx, chunkPath)
	if err != nil {
		return nil, err
	}

	lang := language
	if lang == "" || lang == models.LanguageAuto {
		lang = "unknown"
	}
	res := &Result{Language: lang}
	if len(samples) == 0 {
		return res, nil
	}

	rate := t.config.SampleRate
	window := rate * t.config.WindowSec
	t.log.Debug(ctx, "sherpa: chunk=%s samples=%d window=%ds", chunkPath, len(samples), t.config.WindowSec)
	var texts []string
	for offset := 0; offset < len(samples); offset += window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(offset+window, len(samples))

		text, err := t.decode(samples[offset:end], language)
		if err != nil {
			return nil, fmt.Errorf("sherpa: %w", err)
		}
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, models.Segment{
			Start: Round2(float64(offset) / float64(rate)),
			End:   Round2(float64(end) / float64(rate)),
			Text:  text,
		})
		texts = append(texts, text)
	}
	res.Text = strings.Join(texts, " ")
	return res, nil
}
