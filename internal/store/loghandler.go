package store

import (
	"context"
	"encoding/json"
	"log/slog"
)

// maxLogTail is how many persisted log lines the handler keeps.
const maxLogTail = 2000

// LogHandler is a slog.Handler that mirrors records into the logs table so
// bug reports can include the recent application log. Records still flow to
// the wrapped handler for normal output.
type LogHandler struct {
	inner slog.Handler
	store *Store
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*LogHandler)(nil)

// NewLogHandler wraps inner with persistence into s.
func NewLogHandler(inner slog.Handler, s *Store) *LogHandler {
	return &LogHandler{inner: inner, store: s}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := map[string]any{}
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})
	var encoded string
	if len(attrs) > 0 {
		if raw, err := json.Marshal(attrs); err == nil {
			encoded = string(raw)
		}
	}

	// Persistence failures must not take the logger down; drop the line
	// and keep the normal output path.
	line := LogLine{CreatedAt: record.Time.UTC(), Level: record.Level.String(), Message: record.Message, Attrs: encoded}
	if err := h.store.AppendLogLine(context.WithoutCancel(ctx), line); err == nil {
		_ = h.store.TrimLogLines(context.WithoutCancel(ctx), maxLogTail)
	}

	return h.inner.Handle(ctx, record)
}

func (h *LogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group += "." + name
	}
	return &clone
}
