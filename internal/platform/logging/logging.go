// Package logging builds the structured slog.Logger every component of the
// Run Manager shares, in the JSON-or-text, level-from-config style the
// teacher's own logging package uses.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const ctxKeyRunID contextKey = "run_id"

// Config selects the logger's verbosity and rendering.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Debug  bool   // shorthand for Level=debug, AddSource=true
}

// New builds a slog.Logger writing to stdout.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer = os.Stdout
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRunID returns a context carrying a run_id for FromContext to surface.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// FromContext returns a logger annotated with any run_id carried on ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if runID, ok := ctx.Value(ctxKeyRunID).(string); ok && runID != "" {
		return base.With(slog.String("run_id", runID))
	}
	return base
}
