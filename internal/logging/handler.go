package logging

import (
	"context"
	"log/slog"
)

type runKey struct{}

// WithRun tags ctx with a run identifier. Records logged with that context
// carry it as the "run" attribute.
func WithRun(ctx context.Context, run string) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the run identifier stored in ctx.
func RunFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runKey{}).(string)
	return v, ok
}

// Handler adds context attributes to every record.
type Handler struct {
	slog.Handler
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if run, ok := RunFrom(ctx); ok {
		record.Add("run", run)
	}
	return h.Handler.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}
