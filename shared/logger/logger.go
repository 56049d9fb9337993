package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr
	EnableSource bool   // Enable source code location
	TimeFormat   string // Time format for console output

	// writer overrides Output when set. Used by tests.
	writer io.Writer
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)

	writer := config.writer
	if writer == nil {
		switch config.Output {
		case "stderr":
			writer = os.Stderr
		case "stdout", "":
			writer = os.Stdout
		default:
			// TODO: Support file output
			writer = os.Stdout
		}
	}

	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.EnableSource,
	}

	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "console", "":
		// Use tint for colorful console output
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}

		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: timeFormat,
			NoColor:    false, // Enable colors
		})
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	logger := slog.New(handler)

	return &Logger{Logger: logger}, nil
}

// NewDefault creates a logger with default settings (console format, info level)
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		NoColor:    false,
	})

	return &Logger{Logger: slog.New(handler)}
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithGroup creates a new logger with a group namespace
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// WithAttrs creates a new logger with additional attributes
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{Logger: l.Logger.With(attrsToAny(attrs)...)}
}

// With creates a new logger with additional key-value pairs
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithCensor creates a new logger that masks secret wherever it would
// show up in a message or attribute value. Meant for api keys.
func (l *Logger) WithCensor(secret string) *Logger {
	if secret == "" {
		return l
	}
	return &Logger{Logger: slog.New(&censorHandler{
		inner:  l.Handler(),
		secret: secret,
		mask:   strings.Repeat("*", len(secret)),
	})}
}

// attrsToAny converts []slog.Attr to []any
func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}

// censorHandler rewrites records before the wrapped handler sees them.
type censorHandler struct {
	inner  slog.Handler
	secret string
	mask   string
}

func (h *censorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *censorHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.censor(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.censorAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *censorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	censored := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		censored[i] = h.censorAttr(attr)
	}
	return &censorHandler{inner: h.inner.WithAttrs(censored), secret: h.secret, mask: h.mask}
}

func (h *censorHandler) WithGroup(name string) slog.Handler {
	return &censorHandler{inner: h.inner.WithGroup(name), secret: h.secret, mask: h.mask}
}

func (h *censorHandler) censor(s string) string {
	return strings.ReplaceAll(s, h.secret, h.mask)
}

func (h *censorHandler) censorAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		attr.Value = slog.StringValue(h.censor(attr.Value.String()))
	case slog.KindGroup:
		members := attr.Value.Group()
		censored := make([]slog.Attr, len(members))
		for i, member := range members {
			censored[i] = h.censorAttr(member)
		}
		attr.Value = slog.GroupValue(censored...)
	}
	return attr
}
