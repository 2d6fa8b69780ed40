package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// componentKey is rendered as a line prefix instead of a key=value pair.
const componentKey = "component"

// NewSlogHandler returns a slog.Handler that forwards records to l.
// It returns nil when l is nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

type slogAdapter struct {
	log       *Logger
	component string
	groups    []string
	attrs     []slog.Attr
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return slogLevelToLoggerLevel(level) >= h.log.GetLevel()
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	component := h.component
	combined := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	combined = append(combined, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == componentKey && len(h.groups) == 0 {
			component = attr.Value.String()
			return true
		}
		combined = append(combined, attr)
		return true
	})

	var b strings.Builder
	if component != "" {
		b.WriteString("[")
		b.WriteString(component)
		b.WriteString("] ")
	}
	b.WriteString(record.Message)
	if attrText := formatAttrs(combined, h.groups); attrText != "" {
		if record.Message != "" {
			b.WriteByte(' ')
		}
		b.WriteString(attrText)
	}

	h.log.log(slogLevelToLoggerLevel(record.Level), "%s", b.String())
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogAdapter{
		log:       h.log,
		component: h.component,
		groups:    append([]string(nil), h.groups...),
		attrs:     append([]slog.Attr(nil), h.attrs...),
	}
	for _, attr := range attrs {
		if attr.Key == componentKey && len(h.groups) == 0 {
			if next.component != "" {
				next.component += ":" + attr.Value.String()
			} else {
				next.component = attr.Value.String()
			}
			continue
		}
		next.attrs = append(next.attrs, attr)
	}
	return next
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	groups := append([]string(nil), h.groups...)
	if name != "" {
		groups = append(groups, name)
	}
	return &slogAdapter{
		log:       h.log,
		component: h.component,
		groups:    groups,
		attrs:     append([]slog.Attr(nil), h.attrs...),
	}
}

func slogLevelToLoggerLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func formatAttrs(attrs []slog.Attr, groups []string) string {
	var b strings.Builder
	first := true
	for _, attr := range attrs {
		first = writeAttr(&b, attr, groups, first)
	}
	return b.String()
}

func writeAttr(b *strings.Builder, attr slog.Attr, prefix []string, first bool) bool {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return first
	}

	if attr.Value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), prefix...), attr.Key)
		for _, a := range attr.Value.Group() {
			first = writeAttr(b, a, nested, first)
		}
		return first
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	if !first {
		b.WriteByte(' ')
	}
	if len(prefix) > 0 {
		key = strings.Join(prefix, ".") + "." + key
	}
	value := attr.Value.String()
	if strings.ContainsAny(value, " \t\n\"") {
		value = fmt.Sprintf("%q", value)
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	return false
}
