package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/pkg/streaming"
)

const (
	deviceSendChSize = 64
	deviceWriteWait  = 10 * time.Second
)

// Device is the device side of /ws/session. It is used by the simulator and by tests.
type Device struct {
	conn   *ws.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	// States receives every state snapshot; Acks and Errors the replies.
	States             chan session.Snapshot
	Acks               chan string
	Errors             chan streaming.ErrorMessage
	PermissionRequests chan struct{}

	logger *slog.Logger
}

// DialDevice connects to the server at baseURL (http or ws scheme) and sends hello.
func DialDevice(baseURL string, hello streaming.HelloPayload, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/session"
	if hello.Device != "" {
		q := u.Query()
		q.Set("device", hello.Device)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	d := &Device{
		conn:               conn,
		sendCh:             make(chan []byte, deviceSendChSize),
		done:               make(chan struct{}),
		States:             make(chan session.Snapshot, 64),
		Acks:               make(chan string, 16),
		Errors:             make(chan streaming.ErrorMessage, 16),
		PermissionRequests: make(chan struct{}, 1),
		logger:             logger,
	}
	go d.writeLoop()
	go d.readLoop()

	if err := d.Send(streaming.TypeHello, hello); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Send queues one message for the server.
func (d *Device) Send(typ string, payload any) error {
	env, err := streaming.Encode(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	select {
	case d.sendCh <- data:
		return nil
	case <-d.done:
		return errClosed
	}
}

// Done is closed when the connection ends.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Close sends a close frame and tears down the connection.
func (d *Device) Close() {
	d.once.Do(func() {
		close(d.done)
		_ = d.conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = d.conn.Close()
	})
}

// writeLoop drains sendCh and writes messages to the WebSocket.
func (d *Device) writeLoop() {
	for {
		select {
		case <-d.done:
			return
		case data := <-d.sendCh:
			if err := d.conn.SetWriteDeadline(time.Now().Add(deviceWriteWait)); err != nil {
				d.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				d.Close()
				return
			}
			if err := d.conn.WriteMessage(ws.TextMessage, data); err != nil {
				d.logger.Warn("WebSocket write error", "error", err)
				d.Close()
				return
			}
		}
	}
}

// readLoop routes server messages to the device's channels. Full channels drop.
func (d *Device) readLoop() {
	defer d.Close()
	for {
		_, message, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var head struct {
			Type    string          `json:"type"`
			For     string          `json:"for"`
			Error   string          `json:"error"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &head); err != nil {
			d.logger.Debug("Unreadable message received", "raw", string(message))
			continue
		}

		switch head.Type {
		case streaming.TypeState:
			var snap session.Snapshot
			if err := json.Unmarshal(head.Payload, &snap); err != nil {
				d.logger.Debug("Bad state payload", "error", err)
				continue
			}
			select {
			case d.States <- snap:
			default:
			}
		case streaming.TypeAck:
			select {
			case d.Acks <- head.For:
			default:
			}
		case streaming.TypeError:
			select {
			case d.Errors <- streaming.ErrorMessage{Type: head.Type, For: head.For, Error: head.Error}:
			default:
			}
		case streaming.TypePermissionRequest:
			select {
			case d.PermissionRequests <- struct{}{}:
			default:
			}
		}
	}
}
