package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog level. "none" silences everything
// by returning a level above error.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "none", "off", "silent":
		return slog.LevelError + 4
	default:
		return slog.LevelError // production only shows errors
	}
}

// Init installs the default logger. When file is set, records are written
// there as JSON instead of text on stderr. The returned closer releases the
// file and is a no-op otherwise.
func Init(level, file string) (io.Closer, error) {
	if env, ok := os.LookupEnv("LOG_LEVEL"); ok && level == "" {
		level = env
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if file == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return f, nil
}

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
