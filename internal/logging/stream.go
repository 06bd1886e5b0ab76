// Package logging captures recent log records for the API and live clients
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	// Subscribers for live streaming
	subscribers map[chan LogEntry]bool
	subMu       sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		entries:     make([]LogEntry, size),
		size:        size,
		subscribers: make(map[chan LogEntry]bool),
	}
}

// Add adds a log entry to the ring buffer
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if subscriber can't keep up
		}
	}
	rb.subMu.RUnlock()
}

// Query filters the entries returned by Recent
type Query struct {
	Limit     int
	MinLevel  slog.Level
	Component string
}

// Recent returns up to q.Limit matching entries, oldest first
func (rb *RingBuffer) Recent(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > rb.count {
		limit = rb.count
	}

	// Walk backwards from the newest entry so the limit keeps the latest
	result := make([]LogEntry, 0, limit)
	for i := 0; i < rb.count && len(result) < limit; i++ {
		e := rb.entries[(rb.head-1-i+rb.size)%rb.size]
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if ParseLevel(e.Level) < q.MinLevel {
			continue
		}
		result = append(result, e)
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Len returns the number of buffered entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Subscribe creates a channel that receives new log entries
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = true
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.subMu.Lock()
	delete(rb.subscribers, ch)
	rb.subMu.Unlock()
	close(ch)
}

// StreamHandler is a slog handler that captures logs to a ring buffer
// before passing them on
type StreamHandler struct {
	buffer   *RingBuffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
	group    string
}

// NewStreamHandler wraps a handler. Records below level are neither
// captured nor forwarded.
func NewStreamHandler(buffer *RingBuffer, fallback slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: fallback,
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component string

	add := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Resolve().Any()
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	entry := LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.buffer.Add(entry)

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    merged,
		group:    h.group,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
		group:    group,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Options configures Setup
type Options struct {
	Level      string
	Format     string // json or text
	BufferSize int
	Output     io.Writer
}

// Setup installs the default logger and returns the buffer it captures into.
// LOG_LEVEL overrides the configured level.
func Setup(opts Options) (*RingBuffer, *slog.LevelVar) {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		opts.Level = env
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	handlerOpts := &slog.HandlerOptions{Level: level}
	var fallback slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		fallback = slog.NewTextHandler(opts.Output, handlerOpts)
	} else {
		fallback = slog.NewJSONHandler(opts.Output, handlerOpts)
	}

	buffer := NewRingBuffer(opts.BufferSize)
	slog.SetDefault(slog.New(NewStreamHandler(buffer, fallback, level)))
	return buffer, level
}
