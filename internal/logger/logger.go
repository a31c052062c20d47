// Package logger carries the structured logger through the solvers, the
// device layer, the service and the CLI. Records about one routine or one
// device are scoped with ForRoutine and ForDevice so every handler tags them
// the same way.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the logging interface the library packages take in their
// configs. A nil Logger is treated as Discard.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	// ForRoutine scopes records to a BLAS/LAPACK routine such as "zpotrf".
	ForRoutine(name string) Logger
	// ForDevice scopes records to a device ordinal.
	ForDevice(ordinal int) Logger
}

// Format is an output encoding for records.
type Format string

const (
	FormatPretty Format = "pretty"
	FormatText   Format = "text"
	FormatJSON   Format = "json"
)

// ParseFormat accepts the format names case-insensitively. The empty string
// is FormatPretty.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPretty, nil
	case FormatPretty, FormatText, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("log format %q: want pretty, json or text", s)
}

// New returns a Logger writing records at or above level to w in format f.
// Pretty and JSON records carry their source location.
func New(w io.Writer, f Format, level slog.Level) Logger {
	var h slog.Handler
	switch f {
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level})
	case FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = NewPrettyHandler(w, &slog.HandlerOptions{AddSource: true, Level: level})
	}
	return FromHandler(h)
}

// FromHandler wraps an arbitrary slog handler.
func FromHandler(h slog.Handler) Logger { return scoped{l: slog.New(h)} }

func JSON(w io.Writer, level slog.Level) Logger   { return New(w, FormatJSON, level) }
func Text(w io.Writer, level slog.Level) Logger   { return New(w, FormatText, level) }
func Pretty(w io.Writer, level slog.Level) Logger { return New(w, FormatPretty, level) }

// Discard returns a Logger that drops every record.
func Discard() Logger { return FromHandler(slog.DiscardHandler) }

// OrDiscard returns l, or Discard when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger in ctx, or Discard.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Discard()
}

// ParseLevel maps debug, info, warn(ing) and error to their slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// scoped adapts *slog.Logger to Logger.
type scoped struct{ l *slog.Logger }

func (s scoped) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s scoped) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s scoped) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s scoped) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s scoped) With(args ...any) Logger       { return scoped{l: s.l.With(args...)} }
func (s scoped) WithGroup(name string) Logger  { return scoped{l: s.l.WithGroup(name)} }
func (s scoped) ForRoutine(name string) Logger { return s.With(RoutineKey, name) }
func (s scoped) ForDevice(ordinal int) Logger  { return s.With(DeviceKey, ordinal) }
