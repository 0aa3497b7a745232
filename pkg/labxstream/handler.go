package labxstream

import (
	"context"
	"log/slog"
	"strings"
)

// Handler is a slog.Handler that ships records through a Client. The
// attributes layer, protocol, direction, executionId, testCaseId,
// messageId and stepId map onto the entry's fields; everything else goes
// into Data, keyed by its group path.
type Handler struct {
	client *Client
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a handler for records at or above level. A nil level
// means slog.LevelInfo.
func NewHandler(c *Client, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{client: c, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Level:   levelName(r.Level),
		Message: r.Message,
		Data:    make(map[string]any),
	}
	if !r.Time.IsZero() {
		e.Timestamp = r.Time.UnixMilli()
	}
	// Stored attrs already carry the groups open when they were added.
	for _, a := range h.attrs {
		h.apply(&e, a, nil)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.apply(&e, a, h.groups)
		return true
	})
	if len(e.Data) == 0 {
		e.Data = nil
	}
	h.client.Log(e)
	return nil
}

func (h *Handler) apply(e *Entry, a slog.Attr, groups []string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			h.apply(e, ga, sub)
		}
		return
	}

	if len(groups) == 0 {
		switch a.Key {
		case "layer":
			e.Layer = a.Value.String()
			return
		case "protocol":
			e.Protocol = a.Value.String()
			return
		case "direction":
			e.Direction = a.Value.String()
			return
		case "executionId":
			e.ExecutionID = a.Value.String()
			return
		case "testCaseId":
			e.TestCaseID = a.Value.String()
			return
		case "messageId":
			e.MessageID = a.Value.String()
			return
		case "stepId":
			e.StepID = a.Value.String()
			return
		case "source":
			e.Source = a.Value.String()
			return
		}
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + a.Key
	}
	e.Data[key] = a.Value.Any()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a = slog.Group(strings.Join(h.groups, "."), a)
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warning"
	case l < slog.LevelError+4:
		return "error"
	default:
		return "critical"
	}
}
