package job

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// OutLogName is the per-run structured log file, written next to the run's
// data files and shipped to the log sink after the run.
const OutLogName = "out.log"

// NewRunLogger builds the per-run dual logger: human-readable text on
// stderr, JSON records appended to out.log under runDir. The returned
// closer flushes the file; callers close it before shipping the log.
// If the file cannot be opened the run proceeds with stderr only.
func NewRunLogger(runDir string, level slog.Level) (*slog.Logger, io.Closer, error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating run directory %s: %w", runDir, err)
	}
	path := filepath.Join(runDir, OutLogName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("run log file unavailable, logging to stderr only", "path", path, "error", err)
		return slog.New(stderrHandler), nopCloser{}, nil
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file, nil
}

// NewRunLoggerWriters builds the dual logger over explicit writers, for tests.
func NewRunLoggerWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}

// ParseLevel maps a settings string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "warning", "WARN", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
