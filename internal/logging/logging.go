// Package logging provides structured logging for the lifecycle engine.
//
// It wraps log/slog with component-scoped loggers so every subsystem
// (catalog, evaluator, retrieval, console) tags its entries uniformly.
// Both text and JSON handlers are supported.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false) // text output
//	log := logging.Component("evaluator")
//	log.Info("lifecycle run complete", "cooled", 3, "expired", 1)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// ParseLevel maps a configured level name to a slog level. Unknown
// names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are emitted as JSON; otherwise human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// Used by tests to capture output.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// With returns a new logger with additional attributes attached to
// every entry.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a named engine component.
//
// Example:
//
//	log := logging.Component("catalog")
//	log.Info("table created") // component=catalog msg="table created"
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger carrying request-scoped attributes
// previously attached to the context.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if table, ok := ctx.Value(contextKeyTable).(string); ok {
		logger = logger.With("table", table)
	}
	if queryID, ok := ctx.Value(contextKeyQueryID).(string); ok {
		logger = logger.With("query_id", queryID)
	}
	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		logger = logger.With("run_id", runID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyTable contextKey = iota
	contextKeyQueryID
	contextKeyRunID
)

// ContextWithTable tags the context with the table an operation targets.
func ContextWithTable(ctx context.Context, table string) context.Context {
	return context.WithValue(ctx, contextKeyTable, table)
}

// ContextWithQueryID tags the context with a retrieval query id.
func ContextWithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, contextKeyQueryID, queryID)
}

// ContextWithRunID tags the context with a lifecycle run id.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
