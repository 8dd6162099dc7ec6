// Package logging builds the slog loggers used across the pipeline.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a console logger at the given level. Long index runs are
// usually tailed from a terminal, so the handler stays text, not JSON.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit sink, used by tests to capture
// output.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel maps a config level string to a slog level. Unknown values
// fall back to debug so misconfiguration never hides output.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
