package logging

import (
	"context"
	"errors"
	"log/slog"
)

// LiveAttrs computes attributes at the moment a record is handled, such as the
// number of live sessions.
type LiveAttrs func() []slog.Attr

// fanout hands every record to each sink that accepts its level.
type fanout []slog.Handler

// newFanout drops nil sinks. A single sink is returned as is.
func newFanout(sinks ...slog.Handler) slog.Handler {
	f := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			f = append(f, s)
		}
	}
	if len(f) == 1 {
		return f[0]
	}
	return f
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers to every sink even when one fails; the failures are joined.
func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range f {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (f fanout) derive(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, s := range f {
		out[i] = fn(s)
	}
	return out
}

// liveHandler appends LiveAttrs to each record before passing it on.
type liveHandler struct {
	next slog.Handler
	live LiveAttrs
}

func withLiveAttrs(next slog.Handler, live LiveAttrs) slog.Handler {
	if live == nil {
		return next
	}
	return liveHandler{next: next, live: live}
}

func (h liveHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h liveHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.live()...)
	return h.next.Handle(ctx, r)
}

func (h liveHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return liveHandler{next: h.next.WithAttrs(attrs), live: h.live}
}

func (h liveHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return liveHandler{next: h.next.WithGroup(name), live: h.live}
}
