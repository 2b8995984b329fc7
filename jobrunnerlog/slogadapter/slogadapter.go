// Package slogadapter wraps log/slog as a jobrunnerlog.Logger, offering
// the same JSON/text-with-color split the teacher's pkg/logging package
// exposes for its server and CLI processes.
package slogadapter

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"jobrunner/jobrunnerlog"
)

// adapter implements jobrunnerlog.Logger over a *slog.Logger.
type adapter struct {
	l *slog.Logger
}

// New wraps an existing *slog.Logger.
func New(l *slog.Logger) jobrunnerlog.Logger {
	return adapter{l: l}
}

// NewJSON creates a JSON-formatted logger at the given level, suitable
// for production worker processes.
func NewJSON(level slog.Level) jobrunnerlog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return adapter{l: slog.New(handler)}
}

// NewText creates a colorized text logger (via tint) for interactive use,
// falling back to plain text when stderr isn't a terminal.
func NewText(level slog.Level) jobrunnerlog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "[15:04:05]",
		NoColor:    !isTerminal(os.Stderr),
	})
	return adapter{l: slog.New(handler)}
}

// NewWithFormat picks JSON or text by name ("json" default), matching
// the teacher's NewLoggerWithFormat.
func NewWithFormat(level slog.Level, format string) jobrunnerlog.Logger {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return NewText(level)
	default:
		return NewJSON(level)
	}
}

// ParseLevel converts a level name to slog.Level, defaulting to Info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
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

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (a adapter) Debug(msg string, kv ...any) { a.l.Debug(msg, kv...) }
func (a adapter) Info(msg string, kv ...any)  { a.l.Info(msg, kv...) }
func (a adapter) Warn(msg string, kv ...any)  { a.l.Warn(msg, kv...) }
func (a adapter) Error(msg string, kv ...any) { a.l.Error(msg, kv...) }

func (a adapter) With(kv ...any) jobrunnerlog.Logger {
	return adapter{l: a.l.With(kv...)}
}
