// Package api provides the SiteWatch HTTP API and live WebSocket feed
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/SiteWatch/internal/bridge"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeVerdict     MessageType = "verdict"
	MessageTypeEvent       MessageType = "event"
	MessageTypeAlert       MessageType = "alert"
	MessageTypeLog         MessageType = "log"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	StreamID  string      `json:"stream_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool // stream IDs, "*" for all
}

func (c *Client) subscribed(streamID string) bool {
	if streamID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions["*"] || c.subscriptions[streamID]
}

type outbound struct {
	streamID string
	data     []byte
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub creates a new WebSocket hub. Browser origins must match one of
// allowedOrigins, or the request host when none are given.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		if len(allowed) > 0 {
			return false
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// Run starts the hub's main loop until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", "total_clients", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.subscribed(msg.streamID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn("Client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to subscribed clients. Messages with a stream
// ID reach only clients subscribed to it.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{streamID: msg.StreamID, data: data}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true}, // Subscribe to all by default
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		response := Message{Type: MessageTypePong, Timestamp: time.Now()}
		if data, err := json.Marshal(response); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		streams, ok := msg.Data.([]interface{})
		if !ok {
			return
		}
		c.mu.Lock()
		if msg.Type == MessageTypeSubscribe {
			// An explicit subscription replaces the default of everything
			delete(c.subscriptions, "*")
		}
		for _, s := range streams {
			id, ok := s.(string)
			if !ok {
				continue
			}
			if msg.Type == MessageTypeSubscribe {
				c.subscriptions[id] = true
			} else {
				delete(c.subscriptions, id)
			}
		}
		c.mu.Unlock()
	}
}

// VerdictMessage carries the latest verdict of a stream
func VerdictMessage(s dispatch.Snapshot) Message {
	return Message{
		Type:      MessageTypeVerdict,
		Timestamp: s.EvaluatedAt,
		StreamID:  s.StreamID,
		Data:      s,
	}
}

// EventMessage announces a persisted event
func EventMessage(e *events.Event) Message {
	return Message{
		Type:     MessageTypeEvent,
		StreamID: e.StreamID,
		Data:     e,
	}
}

// AlertMessage carries a warning or danger result from the remote detector
func AlertMessage(streamID string, meta bridge.Metadata) Message {
	return Message{
		Type:     MessageTypeAlert,
		StreamID: streamID,
		Data: map[string]interface{}{
			"gauge_status": meta.Status(),
			"gauge_xyxy":   meta.GaugeXYXY,
			"pin_angle":    meta.PinAngle,
			"comment":      meta.Comment,
			"timestamp":    meta.Timestamp,
		},
	}
}

// LogMessage forwards a captured log entry
func LogMessage(e logging.LogEntry) Message {
	return Message{
		Type:      MessageTypeLog,
		Timestamp: e.Time,
		Data:      e,
	}
}
