package gbn

import (
	"context"
	"log/slog"
)

// logger wraps an optional *slog.Logger so every call site can log
// unconditionally without a nil check. A zero-value logger is a no-op,
// matching the degrade-to-silent behavior tcp.ControlBlock uses when no
// logger is configured.
type logger struct {
	log *slog.Logger
}

func (l logger) enabled(level slog.Level) bool {
	return l.log != nil && l.log.Enabled(context.Background(), level)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	if !l.enabled(slog.LevelDebug) {
		return
	}
	l.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	const levelTrace = slog.LevelDebug - 4
	if !l.enabled(levelTrace) {
		return
	}
	l.log.LogAttrs(context.Background(), levelTrace, msg, attrs...)
}

func (l logger) logerr(msg string, err error, attrs ...slog.Attr) {
	if l.log == nil {
		return
	}
	attrs = append(attrs, slog.Any("error", err))
	l.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}
