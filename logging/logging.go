package logging

import (
	"io"
	"os"

	"golang.org/x/exp/slog"
)

// LogLevel is the level at which neodriver loggers emit messages
type LogLevel = slog.Level

const (
	LogLevelDebug = slog.LevelDebug
	LogLevelInfo  = slog.LevelInfo
	LogLevelError = slog.LevelError
)

// Logger interface is the interface that neodriver's logger must implement
//
// This interface is a subset of [slog.Logger]. The slog interface was chosen under the assumption that its
// likely to be Golang's standard library logging interface.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}

// New returns the default text logger writing to stdout at the given level
func New(level LogLevel) Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter returns a text logger writing to w at the given level
func NewWithWriter(w io.Writer, level LogLevel) Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
