// Package logging configures the process-wide structured logger.
//
// Logs go to stderr by default; when a log file is configured, output is
// rotated with lumberjack. Handlers never write stack traces or secrets
// into responses; full detail belongs here.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall back
	// to info.
	Level string
	// File, when non-empty, sends output to a rotated log file instead of
	// stderr.
	File string
	// JSON selects the JSON handler; the default is logfmt-style text.
	JSON bool
}

// New builds a logger from the options.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	h := slog.HandlerOptions{Level: parseLevel(opts.Level)}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, &h))
	}
	return slog.New(slog.NewTextHandler(w, &h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
