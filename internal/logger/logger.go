// Package logger provides the leveled, context-aware logger injected into
// every mediabrief component.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	glog "github.com/labstack/gommon/log"
)

// Logger is the logging interface used across the module.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

const (
	textHeader = "${time_rfc3339} ${level} ${prefix}"
	jsonHeader = `{"time":"${time_rfc3339}","level":"${level}","prefix":"${prefix}"}`
)

type implLogger struct {
	l *glog.Logger
}

// New creates a Logger writing to stdout.
func New(level, format string) Logger {
	return NewWithOutput(os.Stdout, level, format)
}

// NewWithOutput creates a Logger writing to w.
func NewWithOutput(w io.Writer, level, format string) Logger {
	l := glog.New("mediabrief")
	l.SetOutput(w)
	l.SetLevel(parseLevel(level))
	if strings.EqualFold(format, "json") {
		l.SetHeader(jsonHeader)
	} else {
		l.SetHeader(textHeader)
	}
	return &implLogger{l: l}
}

// Gommon exposes the underlying logger so echo can share it.
func Gommon(lg Logger) *glog.Logger {
	if il, ok := lg.(*implLogger); ok {
		return il.l
	}
	return nil
}

func parseLevel(level string) glog.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return glog.DEBUG
	case "warn", "warning":
		return glog.WARN
	case "error":
		return glog.ERROR
	case "off":
		return glog.OFF
	default:
		return glog.INFO
	}
}

func (il *implLogger) Debug(ctx context.Context, msg string, args ...any) {
	il.l.Debugf(withFields(ctx, msg), args...)
}

func (il *implLogger) Info(ctx context.Context, msg string, args ...any) {
	il.l.Infof(withFields(ctx, msg), args...)
}

func (il *implLogger) Warn(ctx context.Context, msg string, args ...any) {
	il.l.Warnf(withFields(ctx, msg), args...)
}

func (il *implLogger) Error(ctx context.Context, msg string, args ...any) {
	il.l.Errorf(withFields(ctx, msg), args...)
}

type fieldsKey struct{}

type fields struct {
	jobID string
	stage string
}

// WithJob returns a context whose log lines carry the job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	f := fromContext(ctx)
	f.jobID = jobID
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithStage returns a context whose log lines carry the pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	f := fromContext(ctx)
	f.stage = stage
	return context.WithValue(ctx, fieldsKey{}, f)
}

func fromContext(ctx context.Context) fields {
	if ctx == nil {
		return fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func withFields(ctx context.Context, msg string) string {
	f := fromContext(ctx)
	if f.jobID == "" && f.stage == "" {
		return msg
	}
	var b strings.Builder
	if f.jobID != "" {
		b.WriteString("job=")
		b.WriteString(f.jobID)
		b.WriteByte(' ')
	}
	if f.stage != "" {
		b.WriteString("stage=")
		b.WriteString(f.stage)
		b.WriteByte(' ')
	}
	// escape % in field values so they do not become format verbs
	return strings.ReplaceAll(b.String(), "%", "%%") + msg
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return NewWithOutput(io.Discard, "off", "text")
}
