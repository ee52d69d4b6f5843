package utils

import (
	"context"
	"errors"
	"log/slog"
)

// FanoutHandler duplicates slog records to several handlers, used to log
// to the console and the daemon log file at different levels.
type FanoutHandler struct {
	targets []slog.Handler
}

func NewMultiLogHandler(targets ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{targets: targets}
}

// Enabled reports true if any target accepts the level, so each target
// still applies its own level filter in Handle.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, target := range h.targets {
		if target.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, target := range h.targets {
		if !target.Enabled(ctx, r.Level) {
			continue
		}
		if err := target.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	targets := make([]slog.Handler, len(h.targets))
	for i, target := range h.targets {
		targets[i] = target.WithAttrs(attrs)
	}
	return NewMultiLogHandler(targets...)
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	targets := make([]slog.Handler, len(h.targets))
	for i, target := range h.targets {
		targets[i] = target.WithGroup(name)
	}
	return NewMultiLogHandler(targets...)
}
