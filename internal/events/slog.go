package events

import (
	"context"
	"log/slog"
	"sort"
)

// LogSink writes events as structured log records. Failures log at
// warn, everything else at info.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Kind.Failure() {
		level = slog.LevelWarn
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+2)
	attrs = append(attrs, slog.String("event_id", ev.ID), slog.String("device", ev.Device))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	s.logger.LogAttrs(ctx, level, string(ev.Kind), attrs...)
}
