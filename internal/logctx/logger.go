package logctx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	Level string
	// File enables a rotated log file next to stdout when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds the JSON logger used by the binary. The returned closer
// releases the log file, if any.
func NewLogger(opts Options) (*slog.Logger, io.Closer) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    withDefault(opts.MaxSizeMB, 10),
				MaxBackups: withDefault(opts.MaxBackups, 5),
				MaxAge:     withDefault(opts.MaxAgeDays, 30),
				Compress:   true,
			}

			out = io.MultiWriter(os.Stdout, rotator)
			closer = rotator
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})

	return slog.New(NewContextHandler(handler)), closer
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}
