package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// NewLogger builds the controller logger: text on stderr, plus a JSON file
// per run under logDir when set. The returned closer flushes the file.
func NewLogger(debug bool, logDir, runID string) (*slog.Logger, func() error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	stderr := slog.NewTextHandler(os.Stderr, opts)
	closer := func() error { return nil }

	if logDir == "" {
		return slog.New(stderr), closer
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		slog.New(stderr).Warn("cannot create log dir, logging to stderr only",
			"dir", logDir, "error", err)
		return slog.New(stderr), closer
	}
	path := filepath.Join(logDir, fmt.Sprintf("dbprocessor_%s.log", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		slog.New(stderr).Warn("cannot open log file, logging to stderr only",
			"path", path, "error", err)
		return slog.New(stderr), closer
	}
	handler := &teeHandler{handlers: []slog.Handler{stderr, slog.NewJSONHandler(f, opts)}}
	return slog.New(handler), func() error {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
}

// teeHandler fans records out to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}
