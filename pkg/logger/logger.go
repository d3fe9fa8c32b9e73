// Package logger provides structured logging for the vanguard policy engine,
// built on zerolog with context-carried, component-tagged sub-loggers.
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger to provide application-specific helpers.
type Logger struct {
	zerolog.Logger
}

type contextKey string

const loggerKey contextKey = "logger"

// New creates a new Logger at the given level, writing to w.
func New(level zerolog.Level, w io.Writer) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return &Logger{Logger: zl}
}

// NewDefault creates a logger with default settings (Info level, stdout, console writer).
func NewDefault() *Logger {
	return New(zerolog.InfoLevel, zerolog.ConsoleWriter{Out: os.Stdout})
}

// ParseLevel parses a string log level into a zerolog.Level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or returns a default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewDefault()
}

// Component returns a new Logger tagged with a "component" field — used to
// scope log lines to one of the core components (guard, rendguard,
// bandguard, consensus, dispatch, control).
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", name).Logger()}
}

// Circuit returns a new Logger tagged with the circuit id under discussion.
func (l *Logger) Circuit(id uint32) *Logger {
	return &Logger{Logger: l.Logger.With().Uint32("circuit_id", id).Logger()}
}
