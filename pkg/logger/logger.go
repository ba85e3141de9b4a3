// Package logger provides the structured logger used across the nextstep
// service. It wraps log/slog and adds trace correlation for context-aware
// calls.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Level represents logging levels.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level string. Unknown values map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or file path

	// AddSource includes the caller location in every record.
	AddSource bool
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if the logger owns one.
	Close() error
}

// levelState is shared between a logger and everything derived from it.
type levelState struct {
	slogLevel *slog.LevelVar
	current   atomic.Int32
}

func (s *levelState) set(level Level) {
	s.current.Store(int32(level))
	s.slogLevel.Set(slogLevel(level))
}

// SlogLogger is a Logger implementation using log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *levelState
	closer io.Closer
}

var (
	globalMu sync.RWMutex
	global   Logger
)

func init() {
	global, _ = New(&Config{Level: InfoLevel, Format: "text", Output: "stderr"})
}

// New creates a Logger. A nil config yields an info-level JSON logger on
// stdout. Opening a file output that fails is reported as an error.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}

	writer, closer, err := getWriter(cfg.Output)
	if err != nil {
		return nil, err
	}
	return newWithWriter(cfg, writer, closer), nil
}

// NewWithWriter creates a Logger that writes to w. The caller keeps
// ownership of w.
func NewWithWriter(cfg *Config, w io.Writer) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json"}
	}
	return newWithWriter(cfg, w, nil)
}

// FromStrings builds a Logger from the string form used in configuration
// files.
func FromStrings(level, format, output string) (Logger, error) {
	return New(&Config{
		Level:  ParseLevel(level),
		Format: format,
		Output: output,
	})
}

func newWithWriter(cfg *Config, w io.Writer, closer io.Closer) *SlogLogger {
	state := &levelState{slogLevel: &slog.LevelVar{}}
	state.set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:       state.slogLevel,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &SlogLogger{
		logger: slog.New(handler),
		level:  state,
		closer: closer,
	}
}

// getWriter resolves an output name. The closer is nil for the standard
// streams.
func getWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output %q: %w", output, err)
		}
		return f, f, nil
	}
}

func slogLevel(l Level) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "message", Value: a.Value}
	}
	return a
}

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with the span of ctx attached.
func (l *SlogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, appendTraceContextFields(ctx, args...)...)
}

// InfoContext logs at info level with the span of ctx attached.
func (l *SlogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, appendTraceContextFields(ctx, args...)...)
}

// WarnContext logs at warn level with the span of ctx attached.
func (l *SlogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, appendTraceContextFields(ctx, args...)...)
}

// ErrorContext logs at error level with the span of ctx attached.
func (l *SlogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, appendTraceContextFields(ctx, args...)...)
}

// With returns a Logger carrying the given attributes. Derived loggers
// share the level of their parent and never own the output.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(args...),
		level:  l.level,
	}
}

// WithContext returns a context with the logger attached.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// SetLevel changes the level for this logger and every logger derived
// from it.
func (l *SlogLogger) SetLevel(level Level) {
	l.level.set(level)
}

// GetLevel returns the current logging level.
func (l *SlogLogger) GetLevel() Level {
	return Level(l.level.current.Load())
}

// Close closes the output file, if any.
func (l *SlogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type loggerKey struct{}

// FromContext extracts a Logger from context, falling back to the global
// logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
			return l
		}
	}
	return Global()
}

// Component returns the global logger tagged with a component name.
func Component(name string) Logger {
	return Global().With("component", name)
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal replaces the global logger. Nil is ignored.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	Global().SetLevel(level)
}

// Convenience functions for the global logger.

func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Global().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Global().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Global().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Global().ErrorContext(ctx, msg, args...)
}

func appendTraceContextFields(ctx context.Context, args ...any) []any {
	if ctx == nil {
		return args
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return args
	}
	return append(args,
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}
