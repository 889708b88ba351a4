package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from cfg: human-readable text on
// stderr and, when LogFile is set, a JSON copy of every record appended to
// that file. The returned close function releases the file.
func NewLogger(cfg ServerConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.LogLevel.SlogLevel()}
	text := slog.NewTextHandler(stderr, opts)
	if cfg.LogFile == "" {
		return slog.New(text), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open log file %q: %w", cfg.LogFile, err)
	}
	return NewLoggerWithWriters(stderr, f, cfg.LogLevel), f.Close, nil
}

// NewLoggerWithWriters fans records out to a text handler on stderr and a
// JSON handler on file.
func NewLoggerWithWriters(stderr, file io.Writer, level LogLevel) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.SlogLevel()}
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(stderr, opts),
		slog.NewJSONHandler(file, opts),
	))
}
