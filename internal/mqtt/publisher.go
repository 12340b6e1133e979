// Package mqtt mirrors session snapshots onto an MQTT broker as retained
// messages, one topic per device.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/session"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // ms
)

// Client is the part of the paho client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type message struct {
	topic   string
	payload []byte
}

// Publisher queues snapshots and publishes them from a single goroutine, so
// Observe never blocks the session that produced the snapshot.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan message
	wg     sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64

	disconnect func()
}

// Connect dials the broker and returns a publisher that owns the connection.
func Connect(cfg config.MQTTConfig, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.OnConnect = func(paho.Client) {
		log.Info("Connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("MQTT connection lost", "error", err)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p := New(client, cfg.TopicPrefix, cfg.QoS, log)
	p.disconnect = func() { client.Disconnect(disconnectWait) }
	return p, nil
}

// New starts a publisher on an already connected client.
func New(client Client, prefix string, qos byte, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		qos:    qos,
		log:    log,
		queue:  make(chan message, queueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic returns the state topic of a device. Anonymous sessions publish under their id.
func (p *Publisher) Topic(snap session.Snapshot) string {
	key := snap.Device
	if key == "" {
		key = snap.ID
	}
	if p.prefix == "" {
		return key + "/state"
	}
	return p.prefix + "/" + key + "/state"
}

// Observe queues the snapshot. A full queue drops it; the next snapshot of the
// device supersedes it anyway.
func (p *Publisher) Observe(snap session.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("Failed to encode snapshot", "session", snap.ID, "error", err)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- message{topic: p.Topic(snap), payload: payload}:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warn("MQTT queue full, dropping snapshots", "dropped", p.dropped.Load())
		}
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for m := range p.queue {
		token := p.client.Publish(m.topic, p.qos, true, m.payload)
		if !token.WaitTimeout(publishTimeout) {
			p.log.Warn("MQTT publish timed out", "topic", m.topic)
			continue
		}
		if err := token.Error(); err != nil {
			p.log.Warn("MQTT publish failed", "topic", m.topic, "error", err)
			continue
		}
		p.published.Add(1)
	}
}

// Stats returns how many snapshots were published and dropped.
func (p *Publisher) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}

// Close drains the queue and disconnects when the publisher owns the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.disconnect != nil {
		p.disconnect()
	}
}
