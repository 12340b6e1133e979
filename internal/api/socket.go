package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/noorlabs/qiblad/internal/dispatcher"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/pkg/streaming"
)

const (
	sendChSize   = 256
	helloTimeout = 10 * time.Second
	maxMessage   = 16 << 10
)

var errClosed = errors.New("connection closed")

// socketConn owns a websocket with a single write goroutine.
type socketConn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	log          *slog.Logger
}

func newSocketConn(ws *websocket.Conn, writeTimeout, pingInterval time.Duration, log *slog.Logger) *socketConn {
	return &socketConn{
		ws:           ws,
		send:         make(chan []byte, sendChSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		log:          log,
	}
}

// writeLoop drains send and pings the device until the connection closes. Closing
// the socket on the way out ends the read loop.
func (c *socketConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Warn("WebSocket SetWriteDeadline error", "error", err)
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("WebSocket write error", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// flush writes what is still queued, then a close frame.
func (c *socketConn) flush() {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue marshals v and queues it without blocking.
func (c *socketConn) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *socketConn) sendEnvelope(typ string, payload any) error {
	env, err := streaming.Encode(typ, payload)
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

func (c *socketConn) ack(typ string) {
	_ = c.enqueue(streaming.AckMessage{Type: streaming.TypeAck, For: typ})
}

func (c *socketConn) fail(typ string, err error) {
	_ = c.enqueue(streaming.ErrorMessage{Type: streaming.TypeError, For: typ, Error: err.Error()})
}

// close stops the write loop, which flushes and closes the socket.
func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// serveSession upgrades the request and runs one device session until the socket closes.
func (s *Server) serveSession(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessage)

	conn := newSocketConn(ws, s.cfg.WriteTimeout, s.cfg.PingInterval, s.log)
	writerDone := make(chan struct{})
	go func() {
		conn.writeLoop()
		close(writerDone)
	}()
	defer func() {
		conn.close()
		<-writerDone
	}()

	hello, err := s.readHello(ws)
	if err != nil {
		conn.fail(streaming.TypeHello, err)
		return
	}
	if hello.Device == "" {
		hello.Device = c.Query("device")
	}

	bridge := newDeviceBridge(hello, c.Request.UserAgent(), func() error {
		return conn.sendEnvelope(streaming.TypePermissionRequest, nil)
	})
	defer bridge.close()

	sess, err := s.newSession(hello.Device, bridge)
	if err != nil {
		s.log.Error("Failed to create session", "device", hello.Device, "error", err)
		conn.fail(streaming.TypeHello, errors.New("failed to create session"))
		return
	}
	log := s.log.With("session", sess.ID(), "device", hello.Device)

	sess.Subscribe(func(snap session.Snapshot) {
		if err := conn.sendEnvelope(streaming.TypeState, snap); err != nil && !errors.Is(err, errClosed) {
			log.Warn("Dropping state update", "error", err)
		}
		for _, o := range s.deps.Observers {
			o.Observe(snap)
		}
	})

	if old, replaced := s.deps.Registry.Add(sess); replaced {
		log.Info("Replacing previous session of device", "previous", old.ID())
		old.Dispose()
		s.closeEvicted(old)
	}
	s.conns.Store(sess.ID(), conn)
	defer func() {
		s.conns.Delete(sess.ID())
		s.deps.Registry.Remove(sess.ID())
		sess.Dispose()
		for _, o := range s.deps.Observers {
			if f, ok := o.(Forgetter); ok {
				f.Forget(sess.ID())
			}
		}
		log.Info("Device disconnected")
	}()

	d, err := s.newDispatcher(sess, bridge, conn)
	if err != nil {
		log.Error("Failed to create dispatcher", "error", err)
		conn.fail(streaming.TypeHello, errors.New("failed to create session"))
		return
	}
	defer d.Close()

	if err := sess.Start(c.Request.Context()); err != nil {
		log.Error("Failed to start session", "error", err)
		conn.fail(streaming.TypeHello, err)
		return
	}
	log.Info("Device connected", "platform", bridge.Platform().String(),
		"orientation", hello.OrientationSupported, "permissionRequired", hello.PermissionRequired)
	conn.ack(streaming.TypeHello)

	s.readLoop(ws, conn, sess, d, log)
}

func (s *Server) readHello(ws *websocket.Conn) (streaming.HelloPayload, error) {
	var hello streaming.HelloPayload
	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var env streaming.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return hello, fmt.Errorf("failed to read hello: %w", err)
	}
	if env.Type != streaming.TypeHello {
		return hello, fmt.Errorf("expected %s, got %q", streaming.TypeHello, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := env.Decode(&hello); err != nil {
			return hello, err
		}
	}
	return hello, nil
}

func (s *Server) readLoop(ws *websocket.Conn, conn *socketConn, sess *session.Session, d *dispatcher.Dispatcher, log *slog.Logger) {
	pongWait := 2 * s.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.deps.Registry.Touch(sess.ID())
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.deps.Registry.Touch(sess.ID())

		var env streaming.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.fail("", fmt.Errorf("invalid message: %w", err))
			continue
		}
		if _, err := d.Dispatch(dispatcher.Event{Type: env.Type, Session: sess.ID(), Payload: env.Payload}); err != nil {
			conn.fail(env.Type, err)
		}
	}
}

func (s *Server) newSession(device string, bridge *deviceBridge) (*session.Session, error) {
	cfg := s.session
	cfg.Device = device
	deps := session.Dependencies{
		Location:    bridge,
		Orientation: bridge,
		Clock:       s.deps.Clock,
		Logger:      s.deps.Logger,
		Meter:       s.deps.Meter,
	}
	// anonymous devices have nothing to persist under
	if device != "" {
		deps.Store = s.deps.Store
	}
	return session.New(deps, cfg)
}

// newDispatcher routes the device's messages for one connection.
func (s *Server) newDispatcher(sess *session.Session, bridge *deviceBridge, conn *socketConn) (*dispatcher.Dispatcher, error) {
	var (
		d   *dispatcher.Dispatcher
		err error
	)
	if s.deps.Meter != nil {
		d, err = dispatcher.NewWithMeter(s.deps.DispatchLogger, s.deps.Meter)
	} else {
		d, err = dispatcher.New(s.deps.DispatchLogger)
	}
	if err != nil {
		return nil, err
	}

	d.Register(streaming.TypeHello, func(e dispatcher.Event) (any, error) {
		return nil, errors.New("session already started")
	})

	d.Register(streaming.TypeLocation, func(e dispatcher.Event) (any, error) {
		var p streaming.LocationPayload
		if err := (streaming.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&p); err != nil {
			return nil, err
		}
		fix := geo.Fix{
			Coordinate:     geo.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude},
			AccuracyMeters: p.AccuracyMeters,
			Timestamp:      e.Timestamp,
		}
		if p.Timestamp != nil {
			fix.Timestamp = *p.Timestamp
		}
		bridge.pushFix(fix)
		return nil, nil
	}, dispatcher.Buffered(16), dispatcher.Blocking(), dispatcher.Logged())

	d.Register(streaming.TypeLocationError, func(e dispatcher.Event) (any, error) {
		var p streaming.LocationErrorPayload
		if err := (streaming.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&p); err != nil {
			return nil, err
		}
		bridge.pushLocationError(locationError(p.Code))
		return nil, nil
	}, dispatcher.Logged())

	// High-rate sensor stream: drop rather than stall the reader.
	d.Register(streaming.TypeOrientation, func(e dispatcher.Event) (any, error) {
		var p streaming.OrientationPayload
		if err := (streaming.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&p); err != nil {
			return nil, err
		}
		bridge.pushOrientation(heading.Event{
			Alpha:          p.Alpha,
			Beta:           p.Beta,
			Gamma:          p.Gamma,
			CompassHeading: p.CompassHeading,
		})
		return nil, nil
	}, dispatcher.Buffered(64))

	d.Register(streaming.TypePermission, func(e dispatcher.Event) (any, error) {
		var p streaming.PermissionPayload
		if err := (streaming.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&p); err != nil {
			return nil, err
		}
		if err := bridge.answerPermission(p.Granted); err != nil {
			return nil, err
		}
		conn.ack(e.Type)
		return nil, nil
	}, dispatcher.Logged())

	d.Register(streaming.TypeRetry, func(e dispatcher.Event) (any, error) {
		sess.Retry()
		conn.ack(e.Type)
		return nil, nil
	}, dispatcher.Logged())

	d.Register(streaming.TypeManual, func(e dispatcher.Event) (any, error) {
		sess.UseManualMode()
		conn.ack(e.Type)
		return nil, nil
	}, dispatcher.Logged())

	return d, nil
}

// closeEvicted drops the connection of a session the registry evicted for idleness.
func (s *Server) closeEvicted(sess *session.Session) {
	if v, ok := s.conns.Load(sess.ID()); ok {
		v.(*socketConn).close()
	}
}
