// Package bridge forwards frames to a remote detector over a websocket and
// caches the results it streams back.
package bridge

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

// Defaults
const (
	DefaultURL            = "ws://localhost:12321/send_frame"
	DefaultQueueSize      = 10
	DefaultRate           = 1.0
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxMessageSize = 10 << 20
	DefaultPingInterval   = 20 * time.Second
	DefaultPongWait       = 10 * time.Second

	writeWait = 10 * time.Second
)

// State is the connection state of the bridge
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Config holds the bridge settings. Zero fields take their defaults.
type Config struct {
	URL            string
	QueueSize      int
	Rate           float64 // frames per second per stream, negative for unlimited
	ReconnectDelay time.Duration
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Rate == 0 {
		c.Rate = DefaultRate
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	return c
}

// Result is a remote detection result attributed to a stream
type Result struct {
	StreamID string `json:"stream_id"`
	Metadata
	Image      []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

type frame struct {
	streamID string
	data     []byte
}

// Bridge is a reconnecting websocket client for the remote detector
type Bridge struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan frame
	state atomic.Int32

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inflight []string
	lastSent string
	latest   map[string]Result
	handlers []func(Result)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Bridge
type Option func(*Bridge)

// WithMetrics records bridge traffic
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// New creates a bridge. Call Start to connect.
func New(cfg Config, opts ...Option) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   slog.Default().With("component", "bridge"),
		queue:    make(chan frame, cfg.QueueSize),
		limiters: make(map[string]*rate.Limiter),
		latest:   make(map[string]Result),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the active settings
func (b *Bridge) Config() Config {
	return b.cfg
}

// State returns the connection state
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.SetBridgeConnected(s == Connected)
}

// OnResult registers a callback for every received result. Callbacks run
// on the receive goroutine and must not block.
func (b *Bridge) OnResult(fn func(Result)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Send queues a JPEG frame without blocking. It reports false when the
// queue is full and the frame was dropped.
func (b *Bridge) Send(streamID string, jpeg []byte) bool {
	select {
	case b.queue <- frame{streamID: streamID, data: jpeg}:
		return true
	default:
		b.metrics.BridgeDropped()
		b.logger.Warn("Bridge queue full, dropping frame", "stream", streamID)
		return false
	}
}

// QueueLen returns the number of frames waiting to be sent
func (b *Bridge) QueueLen() int {
	return len(b.queue)
}

// Latest returns the last result received for a stream
func (b *Bridge) Latest(streamID string) (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.latest[streamID]
	return r, ok
}

// Forget drops the cached result and rate limit of a stream
func (b *Bridge) Forget(streamID string) {
	b.mu.Lock()
	delete(b.latest, streamID)
	delete(b.limiters, streamID)
	b.mu.Unlock()
}

// Start connects in the background and keeps reconnecting until Stop
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
}

// Stop closes the connection and waits for the client to exit
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Info("Bridge stopped")
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		b.setState(Connecting)
		b.logger.Info("Connecting to remote detector", "url", b.cfg.URL)

		conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				b.setState(Disconnected)
				return
			}
			b.logger.Error("Remote detector connection failed", "error", err)
		} else {
			b.setState(Connected)
			b.logger.Info("Connected to remote detector")
			err = b.session(ctx, conn)
			if ctx.Err() == nil {
				b.logger.Error("Remote detector connection lost", "error", err)
			}
		}

		b.setState(Disconnected)
		b.mu.Lock()
		b.inflight = nil
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		b.logger.Info("Reconnecting to remote detector", "delay", b.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.ReconnectDelay):
		}
	}
}

// session runs the send loop on the calling goroutine and the receive loop
// on its own until either fails
func (b *Bridge) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	readWait := b.cfg.PingInterval + b.cfg.PongWait
	conn.SetReadLimit(b.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- b.readLoop(conn, readWait)
	}()

	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()

		case err := <-readErr:
			return err

		case f := <-b.queue:
			if !b.allow(f.streamID) {
				b.metrics.BridgeRateLimited()
				b.logger.Debug("Rate limited frame", "stream", f.streamID)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, f.data); err != nil {
				return fmt.Errorf("failed to send frame: %w", err)
			}
			b.markSent(f.streamID)
			b.metrics.BridgeSent()

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		}
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn, readWait time.Duration) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.BinaryMessage {
			continue
		}

		meta, img, err := Decode(data)
		if err != nil {
			b.logger.Warn("Invalid remote detector result", "error", err)
			continue
		}
		b.deliver(meta, img)
	}
}

func (b *Bridge) allow(streamID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[streamID]
	if !ok {
		limit := rate.Limit(b.cfg.Rate)
		if b.cfg.Rate < 0 {
			limit = rate.Inf
		}
		l = rate.NewLimiter(limit, 1)
		b.limiters[streamID] = l
	}
	return l.Allow()
}

// markSent remembers which stream the next unanswered result belongs to
func (b *Bridge) markSent(streamID string) {
	b.mu.Lock()
	b.inflight = append(b.inflight, streamID)
	b.lastSent = streamID
	b.mu.Unlock()
}

// deliver attributes a result to the oldest unanswered frame, or to the
// last stream sent when the detector answers more than it was asked
func (b *Bridge) deliver(meta Metadata, img []byte) {
	b.mu.Lock()
	streamID := b.lastSent
	if len(b.inflight) > 0 {
		streamID = b.inflight[0]
		b.inflight = b.inflight[1:]
	}
	res := Result{
		StreamID:   streamID,
		Metadata:   meta,
		Image:      img,
		ReceivedAt: time.Now(),
	}
	b.latest[streamID] = res
	handlers := make([]func(Result), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	b.metrics.BridgeReceived()
	if meta.Alert() {
		b.logger.Warn("Remote detector alert", "stream", streamID, "gauge_status", meta.Status())
	}
	for _, fn := range handlers {
		fn(res)
	}
}

func gaugeColor(status string) color.RGBA {
	switch status {
	case GaugeDanger:
		return overlay.Red
	case GaugeWarning:
		return overlay.Orange
	}
	return overlay.Green
}

// Overlay draws the cached result of a stream onto a frame. It reports
// whether there was anything to draw.
func (b *Bridge) Overlay(img *image.RGBA, streamID string) bool {
	res, ok := b.Latest(streamID)
	if !ok || img == nil {
		return false
	}

	status := res.Status()
	c := gaugeColor(status)
	label := "Gauge " + status
	if len(res.PinAngle) > 0 {
		label += fmt.Sprintf(" %.1f", res.PinAngle[0])
	}

	if len(res.GaugeXYXY) == 4 {
		box := detection.NewBox(res.GaugeXYXY[0], res.GaugeXYXY[1], res.GaugeXYXY[2], res.GaugeXYXY[3])
		overlay.BoxLabel(img, box, label, c)
	} else {
		overlay.Label(img, 40, 40, label, c)
	}
	return true
}
