// Package logging provides the operational slog logger shared by all
// components.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for daemon/infrastructure logs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error".
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// UseFile routes operational logs to a rotating file in addition to stderr.
func UseFile(path string, maxSizeMB, maxBackups int) {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	w := io.MultiWriter(os.Stderr, rotated)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	opLogger.Store(slog.New(handler))
}
