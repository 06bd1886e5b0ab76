// Package core provides the SiteWatch messaging infrastructure: an embedded
// NATS event bus and port allocation for it.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EventBus provides pub/sub messaging between detectors and SiteWatch using embedded NATS
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
	pm     *PortManager
	port   int

	// Subscription tracking
	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server (default: 4222)
	Port int
	// MaxPayload bounds a single message, frames with JPEG included (default: 8 MiB)
	MaxPayload int32
	// PortManager records the claimed port. Nil gives the bus its own manager.
	PortManager *PortManager
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 8 << 20
	}

	pm := cfg.PortManager
	if pm == nil {
		pm = NewPortManager()
	}

	actualPort, err := pm.ReserveOrFind(cfg.Port, "nats")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate NATS port: %w", err)
	}
	if actualPort != cfg.Port {
		logger.Info("NATS port conflict detected, using alternative",
			"preferred", cfg.Port, "actual", actualPort)
	}

	opts := &server.Options{
		Host:       cfg.Host,
		Port:       actualPort,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		pm.Release(actualPort)
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		pm.Release(actualPort)
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", actualPort)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("sitewatch"))
	if err != nil {
		ns.Shutdown()
		pm.Release(actualPort)
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		pm:     pm,
		port:   actualPort,
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())

	return eb, nil
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the NATS client URL detectors connect to
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish publishes a JSON encoded message to a subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes to a subject
func (eb *EventBus) PublishRaw(subject string, data []byte) error {
	return eb.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// ChanSubscribe delivers the messages of a subject to a channel. Messages
// beyond the channel's capacity are dropped by NATS as a slow consumer.
func (eb *EventBus) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	sub, err := eb.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// Flush waits until the server has processed every published message
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stop shuts down the event bus
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.pm.Release(eb.port)

	eb.logger.Info("Event bus stopped")
}

// Subjects
const (
	SubjectFramePrefix    = "sitewatch.frames"
	SubjectVerdictPrefix  = "sitewatch.verdicts"
	SubjectAlertPrefix    = "sitewatch.alerts"
	SubjectViolation      = "sitewatch.events.violation"
	SubjectConfigChanged  = "sitewatch.config.changed"
	SubjectSystemShutdown = "sitewatch.system.shutdown"
)

// FrameSubject is where detectors publish the frames of a stream
func FrameSubject(streamID string) string {
	return SubjectFramePrefix + "." + streamID
}

// VerdictSubject is where the verdicts of a stream are published
func VerdictSubject(streamID string) string {
	return SubjectVerdictPrefix + "." + streamID
}

// AlertSubject is where remote detector alerts of a stream are published
func AlertSubject(streamID string) string {
	return SubjectAlertPrefix + "." + streamID
}

// ConfigChangedEvent announces a configuration reload
type ConfigChangedEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Streams   []string  `json:"streams"`
}

// PublishConfigChanged announces the streams active after a reload
func (eb *EventBus) PublishConfigChanged(streams []string) error {
	return eb.Publish(SubjectConfigChanged, ConfigChangedEvent{
		Timestamp: time.Now(),
		Streams:   streams,
	})
}

// HealthCheck performs a health check on the event bus
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	_, err := eb.conn.Request("_health", []byte("ping"), timeout)
	if err == nats.ErrNoResponders {
		// No responders is OK, just means no one is listening
		return nil
	}
	return err
}
