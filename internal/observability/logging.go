// Package observability bundles structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the generation pipeline.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with request correlation and redaction of secrets.
type Logger struct {
	logger  *slog.Logger
	level   *slog.LevelVar
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON is the production default.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults.
	RedactPatterns []string
}

// ContextKey is the type for logging context keys.
type ContextKey string

const (
	// RequestIDKey carries the per-run correlation id.
	RequestIDKey ContextKey = "request_id"

	// SessionKey carries the conversation session id.
	SessionKey ContextKey = "session"
)

// DefaultRedactPatterns covers common secret shapes.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
}

// NewLogger creates a structured logger. Level defaults to info, format
// to json, output to stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "json"
	}

	level := new(slog.LevelVar)
	level.Set(LogLevelFromString(config.Level))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	var redacts []*regexp.Regexp
	for _, pattern := range append(DefaultRedactPatterns, config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), level: level, redacts: redacts}
}

// Slog exposes the underlying slog.Logger for components that take one
// directly.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// SetLevel changes the minimum level at runtime. Loggers derived with
// WithFields share the level.
func (l *Logger) SetLevel(level string) {
	l.level.Set(LogLevelFromString(level))
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger with fields added to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), level: l.level, redacts: l.redacts}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+4)
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if session, ok := ctx.Value(SessionKey).(string); ok && session != "" {
		attrs = append(attrs, "session", session)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithRequestID stores a correlation id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSession stores the session id in the context.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// LogLevelFromString parses a level name, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
