// Package logging provides the shared slog logger for the pipeline.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/vidiff/vidiff/envconfig"
)

const LevelTrace slog.Level = slog.LevelDebug - 4

type Logger struct {
	logger *slog.Logger
}

func NewLogger() *Logger {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &Logger{
		logger: slog.New(handler),
	}
}

// Slog exposes the underlying slog.Logger for injection into components
// that take a *slog.Logger directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Trace(msg string, args ...any) {
	l.logger.Log(context.Background(), LevelTrace, msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}
