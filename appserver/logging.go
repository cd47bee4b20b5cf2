package appserver

import (
	"context"
	"log/slog"
)

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// nopLogger is a shared no-op logger instance.
var nopLogger = slog.New(nopHandler{})
