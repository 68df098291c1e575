package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "requestID"

// LevelTrace sits below debug and is used for per-frame transport chatter.
const LevelTrace = slog.LevelDebug - 4

var logger atomic.Pointer[slog.Logger]

func init() {
	// Compact handler for readable console output; Configure switches to JSON
	Configure(os.Stdout, slog.LevelInfo, false)
}

// Configure replaces the process logger. Components log through the package
// helpers, so this is the only place output format and level are decided.
func Configure(w io.Writer, level slog.Level, jsonOutput bool) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewCompactHandler(w, opts)
	}
	logger.Store(slog.New(handler))
}

// SetLevel changes the logging level, keeping compact console output
func SetLevel(level slog.Level) {
	Configure(os.Stdout, level, false)
}

// SetJSONOutput switches to JSON format output
func SetJSONOutput(level slog.Level) {
	Configure(os.Stdout, level, true)
}

// ParseLevel maps a verbosity name ("trace", "debug", "info", "warn",
// "error") or a -v count to a level. An explicit name wins over the count.
func ParseLevel(verbosity string, verboseCount int) slog.Level {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	switch {
	case verboseCount >= 2:
		return LevelTrace
	case verboseCount == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Logger returns the current process logger
func Logger() *slog.Logger {
	return logger.Load()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

func withRequestID(ctx context.Context, args []any) []any {
	requestID := GetRequestID(ctx)
	if requestID != "" {
		return append([]any{"requestID", requestID}, args...)
	}
	return args
}

// Trace logs at TRACE level (very verbose, debug-time only)
func Trace(msg string, args ...any) {
	Logger().Log(context.Background(), LevelTrace, msg, args...)
}

// TraceContext logs at TRACE level with context
func TraceContext(ctx context.Context, msg string, args ...any) {
	Logger().Log(ctx, LevelTrace, msg, withRequestID(ctx, args)...)
}

// Debug logs at DEBUG level (internal component behavior)
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// DebugContext logs at DEBUG level with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(ctx, msg, withRequestID(ctx, args)...)
}

// Info logs at INFO level (operator-facing events)
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// InfoContext logs at INFO level with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(ctx, msg, withRequestID(ctx, args)...)
}

// Warn logs at WARN level (should be monitored)
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// WarnContext logs at WARN level with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(ctx, msg, withRequestID(ctx, args)...)
}

// Error logs at ERROR level
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// ErrorContext logs at ERROR level with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(ctx, msg, withRequestID(ctx, args)...)
}

// Fatal logs at ERROR level and exits. Only cmd/ mains call it.
func Fatal(msg string, args ...any) {
	Logger().Error(msg, args...)
	os.Exit(1)
}
