package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

// GelfSender ships one GELF message. *gelf.Writer satisfies it.
type GelfSender interface {
	WriteMessage(m *gelf.Message) error
}

// syslog severities used by GELF
const (
	gelfError   int32 = 3
	gelfWarning int32 = 4
	gelfInfo    int32 = 6
	gelfDebug   int32 = 7
)

// NewGraylogWriter dials a Graylog GELF UDP input at addr.
func NewGraylogWriter(addr string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create graylog writer for %s: %w", addr, err)
	}
	return w, nil
}

// GelfHandler is a slog.Handler that forwards records to Graylog.
// Attributes become GELF additional fields; groups are joined with '.'.
type GelfHandler struct {
	sender   GelfSender
	facility string
	level    slog.Leveler
	host     string
	attrs    []slog.Attr
	prefix   string
}

// NewGelfHandler creates a handler shipping records at or above level.
func NewGelfHandler(sender GelfSender, facility string, level slog.Leveler) *GelfHandler {
	host, err := os.Hostname()
	if err != nil {
		host = "qiblad"
	}
	if facility == "" {
		facility = "qiblad"
	}
	return &GelfHandler{
		sender:   sender,
		facility: facility,
		level:    level,
		host:     host,
	}
}

// Enabled reports whether the level is shipped.
func (h *GelfHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle converts the record and sends it.
func (h *GelfHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addExtra(extra, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addExtra(extra, h.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.sender.WriteMessage(&gelf.Message{
		Version:  "1.1",
		Host:     h.host,
		Short:    r.Message,
		TimeUnix: float64(ts.UnixNano()) / float64(time.Second),
		Level:    gelfLevel(r.Level),
		Facility: h.facility,
		Extra:    extra,
	})
}

// WithAttrs returns a handler that adds attrs to every message.
func (h *GelfHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup returns a handler that nests later attrs under name.
func (h *GelfHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

// addExtra flattens a into extra using GELF's underscore-prefixed field names.
func addExtra(extra map[string]interface{}, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			addExtra(extra, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	key := "_" + prefix + a.Key
	switch v.Kind() {
	case slog.KindString:
		extra[key] = v.String()
	case slog.KindInt64:
		extra[key] = v.Int64()
	case slog.KindUint64:
		extra[key] = v.Uint64()
	case slog.KindFloat64:
		extra[key] = v.Float64()
	case slog.KindBool:
		extra[key] = v.Bool()
	case slog.KindDuration:
		extra[key] = v.Duration().String()
	case slog.KindTime:
		extra[key] = v.Time().UTC().Format(time.RFC3339Nano)
	default:
		if err, ok := v.Any().(error); ok {
			extra[key] = err.Error()
			return
		}
		extra[key] = fmt.Sprint(v.Any())
	}
}

func gelfLevel(l slog.Level) int32 {
	switch {
	case l >= slog.LevelError:
		return gelfError
	case l >= slog.LevelWarn:
		return gelfWarning
	case l >= slog.LevelInfo:
		return gelfInfo
	default:
		return gelfDebug
	}
}
