package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that later log lines carry everything learned so far.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps a logger so attributes can be added incrementally.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{Logger: l}
}

// Add appends key/value pairs to every subsequent log line.
func (lc *LoggerContext) Add(args ...any) {
	lc.Logger = lc.Logger.With(args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelError, 3, msg, args...)
}
