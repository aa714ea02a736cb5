// Package observability constructs the bridge's logging and metrics
// surface: structured stderr-only logging in two wire formats, and the
// OTel/Prometheus instrumentation layered on top of the core subsystems.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Level is a process-wide, atomically-updatable log level: a config reload
// that changes logLevel takes effect in every child logger immediately,
// since they all share the same *slog.LevelVar.
type Level struct {
	v slog.LevelVar
}

// NewLevel constructs a Level initialized to the given named level
// ("debug", "info", "warn", "error"; unrecognized values default to info).
func NewLevel(name string) *Level {
	l := &Level{}
	l.Set(name)
	return l
}

// Set updates the level from a name, taking effect in every logger sharing
// this Level immediately.
func (l *Level) Set(name string) {
	switch strings.ToLower(name) {
	case "debug":
		l.v.Set(slog.LevelDebug)
	case "warn", "warning":
		l.v.Set(slog.LevelWarn)
	case "error":
		l.v.Set(slog.LevelError)
	default:
		l.v.Set(slog.LevelInfo)
	}
}

// NewLogger constructs the process-wide root logger. format selects between
// the human-friendly text format and one-JSON-object-per-line; w is always
// os.Stderr in production use, since stdout is reserved for the MCP
// transport in stdio mode.
func NewLogger(w io.Writer, format string, level *Level) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &level.v}))
	}
	return slog.New(newTextHandler(w, &level.v))
}

// textHandler reproduces the spec's exact human-friendly line shape:
// "HH:MM:SS.mmm LEVEL [component:server] message k=v …". slog's own
// NewTextHandler is close but not an exact match (different timestamp
// precision, quoted key=value pairs, no bracketed component/server prefix),
// so this is a small custom slog.Handler rather than a stdlib handler
// option.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	attrs  []slog.Attr
	groups []string
}

func newTextHandler(w io.Writer, level *slog.LevelVar) *textHandler {
	return &textHandler{w: w, level: level}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%02d:%02d:%02d.%03d %s ",
		r.Time.Hour(), r.Time.Minute(), r.Time.Second(), r.Time.Nanosecond()/1_000_000,
		r.Level.String())

	component, server := "-", "-"
	fields := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs))
	fields = append(fields, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a)
		return true
	})
	remaining := fields[:0]
	for _, a := range fields {
		switch a.Key {
		case "component":
			component = a.Value.String()
		case "server":
			server = a.Value.String()
		default:
			remaining = append(remaining, a)
		}
	}

	fmt.Fprintf(&b, "[%s:%s] %s", component, server, r.Message)
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range remaining {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, formatValue(a.Value))
	}
	b.WriteByte('\n')

	_, err := h.w.Write([]byte(b.String()))
	return err
}

func formatValue(v slog.Value) string {
	s := v.String()
	if strings.ContainsAny(s, " \t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
