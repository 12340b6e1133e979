package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogFilePath builds a log file path using OS-appropriate path separators.
func LogFilePath(logsDir, name string, start time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", name, start.Format("20060102_150405")),
	)
}

// OpenLogFile creates the directory of path and opens the file for appending.
func OpenLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewZerolog builds the zerolog logger used by the database and influx managers.
func NewZerolog(w io.Writer, level string, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("component", component).Logger()
}

// SessionCount tags records with the number of live sessions.
func SessionCount(count func() int) LiveAttrs {
	return func() []slog.Attr {
		return []slog.Attr{slog.Int("sessions", count())}
	}
}
