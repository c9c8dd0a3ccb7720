// Package logging provides the process-wide structured logger every
// component instruments itself with.
package logging

import (
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
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

// SetJSON switches the operational logger to JSON output, the format a
// director process runs with in production.
func SetJSON(enabled bool) {
	var handler slog.Handler
	if enabled {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	opLogger.Store(slog.New(handler))
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a config string. Unknown
// values are ignored, leaving the previous level in place.
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

// WorkerName builds the "job/index/total" diagnostic name spec.md §4.E
// requires worker threads to carry; the worker pool attaches it to its
// task-failure logs.
func WorkerName(job string, index, total int) string {
	return job + "/" + strconv.Itoa(index) + "/" + strconv.Itoa(total)
}
