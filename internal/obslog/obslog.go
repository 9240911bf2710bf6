// SPDX-License-Identifier: BSD-3-Clause

// Package obslog builds the structured logger used throughout the proxy.
// It fans a single *slog.Logger out to a human-readable console writer and,
// optionally, a JSON file sink, following the zerolog+slog-multi+
// slog-zerolog construction pattern used across the codebase this one was
// adapted from, minus its OpenTelemetry export half (no collector target
// exists for a standalone CLI daemon).
package obslog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"cirello.io/oversight/v2"
	"github.com/rs/zerolog"
	slogmulti "github.com/samber/slog-multi"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// Verbosity maps the CLI's -v/-vv flags onto slog levels.
type Verbosity int

const (
	VerbosityInfo Verbosity = iota
	VerbosityDebug
	VerbosityTrace
)

func (v Verbosity) level() slog.Level {
	switch v {
	case VerbosityDebug:
		return slog.LevelDebug
	case VerbosityTrace:
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing human-readable lines to stderr at the given
// verbosity, and, if logFilePath is non-empty, JSON lines to that file as a
// second fanout leg.
func New(verbosity Verbosity, logFilePath string) (*slog.Logger, func() error, error) {
	level := verbosity.level()

	console := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Logger()

	handlers := []slog.Handler{
		slogzerolog.Option{Level: level, Logger: &console}.NewZerologHandler(),
	}

	closer := func() error { return nil }
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		fileLogger := zerolog.New(io.Writer(f)).With().Timestamp().Logger()
		handlers = append(handlers, slogzerolog.Option{Level: slog.LevelDebug, Logger: &fileLogger}.NewZerologHandler())
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// WithSession returns a logger tagged with a per-RUN-session correlation id.
func WithSession(l *slog.Logger, sessionID string) *slog.Logger {
	return l.With(slog.String("session", sessionID))
}

// NewOversightLogger adapts l into the oversight.Logger function type the
// Supervisor's child-process tree logs through, at Debug level.
func NewOversightLogger(l *slog.Logger) oversight.Logger {
	return func(args ...any) {
		l.Debug("oversight", "msg", fmt.Sprint(args...))
	}
}
