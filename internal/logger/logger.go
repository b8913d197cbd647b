// Package logger wraps slog with the contextual field helpers the rest of
// the daemon expects (session/node/run id chaining) and a colored console
// handler for local development.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with contextual fields.
type Logger struct {
	*slog.Logger
}

// New creates a logger for the given level ("debug"|"info"|"warn"|"error")
// and format ("text"|"json"). Text uses tint for colored console output;
// json is for production log aggregation.
func New(level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// WithTraceID stashes a correlation id on ctx for later retrieval by
// WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithContext returns a logger carrying trace_id from ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		return &Logger{Logger: l.With("trace_id", traceID)}
	}
	return l
}

// WithSession returns a logger scoped to a session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.With("session_id", sessionID)}
}

// WithNode returns a logger scoped to a node id.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{Logger: l.With("node_id", nodeID)}
}

// WithRun returns a logger scoped to a workflow run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithFields returns a logger with additional key-value fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// Error logs an error with a stack trace attached.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
