// Package dispatcher routes decoded device messages to the handlers that drive
// a compass session.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/noorlabs/qiblad/internal/dispatcher"

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// Event is one inbound message from a device.
type Event struct {
	Type      string
	Session   string
	Payload   json.RawMessage
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers. Register everything before
// the first Dispatch.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   Logger

	queueSize    metric.Int64ObservableGauge
	processed    metric.Int64Counter
	dropped      metric.Int64Counter
	failed       metric.Int64Counter
	registration metric.Registration

	mu      sync.RWMutex
	buffers map[string]chan Event
	closed  bool
	wg      sync.WaitGroup
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	return NewWithMeter(logger, otel.Meter(instrumentationName))
}

// NewWithMeter creates a Dispatcher reporting to m.
func NewWithMeter(logger Logger, m metric.Meter) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	d.registration, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for typ, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"dispatcher.events.failed",
		metric.WithDescription("Total events whose handler returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given message type with optional configuration.
func (d *Dispatcher) Register(typ string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := d.counted(typ, h)

	if cfg.logged {
		handler = d.withLogging(typ, handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(typ, cfg.bufferSize, cfg.blocking, handler)
	}

	d.handlers[typ] = handler
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	h, ok := d.handlers[e.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(typ string) bool {
	_, ok := d.handlers[typ]
	return ok
}

// Close stops accepting events, drains the queues and unregisters the gauge.
// It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return d.registration.Unregister()
}

func (d *Dispatcher) counted(typ string, h HandlerFunc) HandlerFunc {
	attrs := metric.WithAttributes(attribute.String("type", typ))
	return func(e Event) (any, error) {
		result, err := h(e)
		if err != nil {
			d.failed.Add(context.Background(), 1, attrs)
		} else {
			d.processed.Add(context.Background(), 1, attrs)
		}
		return result, err
	}
}

func (d *Dispatcher) withBuffer(typ string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[typ] = buffer
	d.mu.Unlock()

	typAttr := attribute.String("type", typ)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for e := range buffer {
			_, _ = h(e)
		}
	}()

	// The read lock keeps Close from closing the buffer under a sender.
	if blocking {
		return func(e Event) (any, error) {
			d.mu.RLock()
			defer d.mu.RUnlock()
			if d.closed {
				return nil, ErrClosed
			}
			buffer <- e
			return "queued", nil
		}
	}

	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return nil, ErrClosed
		}
		select {
		case buffer <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(typAttr))
			return nil, fmt.Errorf("queue full: %s", typ)
		}
	}
}

func (d *Dispatcher) withLogging(typ string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "type", typ, "session", e.Session, "bytes", len(e.Payload))

		result, err := h(e)

		if err != nil {
			d.logger.Error("event failed", "type", typ, "session", e.Session, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "type", typ, "session", e.Session, "duration", time.Since(start))
		}

		return result, err
	}
}
