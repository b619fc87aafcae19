package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name to a slog level. Unknown names mean info.
func ParseLevel(logLevelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevelStr)) {
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

// Setup installs the default slog logger writing to logPath, or to
// defaultWriter when logPath is empty or cannot be opened. The returned
// function closes the log file, if one was opened.
func Setup(logLevelStr string, logPath string, defaultWriter io.Writer) func() error {
	level := ParseLevel(logLevelStr)
	closeFn := func() error { return nil }

	logWriter := defaultWriter
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			// Use a temporary logger to the default writer for this error message
			tempLogger := slog.New(slog.NewTextHandler(defaultWriter, nil))
			tempLogger.Error("Failed to open configured log file, falling back to default writer", "path", logPath, "error", err)
		} else {
			logWriter = logFile
			closeFn = logFile.Close
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	logger := slog.New(slog.NewTextHandler(logWriter, opts))
	slog.SetDefault(logger)
	return closeFn
}
