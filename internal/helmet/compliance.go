// Package helmet smooths per-frame helmet detections into a stable
// violation judgment per tracked worker.
package helmet

import (
	"sync"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// Defaults
const (
	DefaultWindow              = 90
	DefaultConfidenceThreshold = 0.2
	DefaultMaxMissingFrames    = 50
	DefaultGracePeriod         = 5 * time.Second

	DefaultMinBoxWidth  = 15
	DefaultMinBoxHeight = 30
	DefaultMinBoxArea   = DefaultMinBoxWidth * DefaultMinBoxHeight

	// DefaultOffset is how far above a person box a helmet may start
	DefaultOffset = 20
)

// Config holds the compliance thresholds
type Config struct {
	Window              int
	ConfidenceThreshold float64
	MaxMissingFrames    int
	GracePeriod         time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Window:              DefaultWindow,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxMissingFrames:    DefaultMaxMissingFrames,
		GracePeriod:         DefaultGracePeriod,
	}
}

// record is the reading history of one worker
type record struct {
	readings   []bool
	timestamps []time.Time
	lastSafe   time.Time
	hasSafe    bool
}

type streamRecords struct {
	mu      sync.Mutex
	workers map[int]*record
}

// Compliance tracks helmet presence for workers across frames
type Compliance struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	streams map[string]*streamRecords
}

// Option configures a Compliance
type Option func(*Compliance)

// WithClock replaces the wall clock, for deterministic timelines
func WithClock(now func() time.Time) Option {
	return func(c *Compliance) {
		c.now = now
	}
}

// NewCompliance creates a tracker. Zero fields in cfg take their defaults
// and a negative grace period disables suppression.
func NewCompliance(cfg Config, opts ...Option) *Compliance {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxMissingFrames <= 0 {
		cfg.MaxMissingFrames = DefaultMaxMissingFrames
	}
	switch {
	case cfg.GracePeriod == 0:
		cfg.GracePeriod = DefaultGracePeriod
	case cfg.GracePeriod < 0:
		// Negative disables the grace period
		cfg.GracePeriod = 0
	}

	c := &Compliance{
		cfg:     cfg,
		now:     time.Now,
		streams: make(map[string]*streamRecords),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the active thresholds
func (c *Compliance) Config() Config {
	return c.cfg
}

func (c *Compliance) stream(streamID string, create bool) *streamRecords {
	c.mu.RLock()
	sr, ok := c.streams[streamID]
	c.mu.RUnlock()
	if ok || !create {
		return sr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sr, ok = c.streams[streamID]; ok {
		return sr
	}
	sr = &streamRecords{workers: make(map[int]*record)}
	c.streams[streamID] = sr
	return sr
}

// Update records whether a helmet was seen on the worker in this frame
func (c *Compliance) Update(streamID string, workerID int, hasHelmet bool) {
	sr := c.stream(streamID, true)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	rec, ok := sr.workers[workerID]
	if !ok {
		rec = &record{}
		sr.workers[workerID] = rec
	}

	rec.readings = append(rec.readings, hasHelmet)
	rec.timestamps = append(rec.timestamps, c.now())
	if over := len(rec.readings) - c.cfg.Window; over > 0 {
		rec.readings = append(rec.readings[:0], rec.readings[over:]...)
		rec.timestamps = append(rec.timestamps[:0], rec.timestamps[over:]...)
	}
}

// IsViolation reports a sustained helmet absence for the worker.
// A compliant evaluation refreshes the worker's last safe time, and raw
// violations within the grace period after it are suppressed.
func (c *Compliance) IsViolation(streamID string, workerID int) bool {
	sr := c.stream(streamID, false)
	if sr == nil {
		return false
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	rec, ok := sr.workers[workerID]
	if !ok || len(rec.readings) < c.cfg.MaxMissingFrames {
		return false
	}

	recent := rec.readings
	if len(recent) > c.cfg.Window {
		recent = recent[len(recent)-c.cfg.Window:]
	}

	present := 0
	for _, r := range recent {
		if r {
			present++
		}
	}
	rate := float64(present) / float64(len(recent))

	consecutiveMissing := 0
	for i := len(recent) - 1; i >= 0 && !recent[i]; i-- {
		consecutiveMissing++
	}

	now := c.now()
	if rate >= c.cfg.ConfidenceThreshold || consecutiveMissing < c.cfg.MaxMissingFrames {
		rec.lastSafe = now
		rec.hasSafe = true
		return false
	}

	if rec.hasSafe && now.Sub(rec.lastSafe) < c.cfg.GracePeriod {
		return false
	}
	return true
}

// Readings returns the number of readings held for a worker
func (c *Compliance) Readings(streamID string, workerID int) int {
	sr := c.stream(streamID, false)
	if sr == nil {
		return 0
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if rec, ok := sr.workers[workerID]; ok {
		return len(rec.readings)
	}
	return 0
}

// Cleanup drops every worker record of a stream
func (c *Compliance) Cleanup(streamID string) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

// BoxLargeEnough reports whether a person box has enough pixels for a
// reliable helmet judgment
func BoxLargeEnough(b detection.Box, minWidth, minHeight, minArea float64) bool {
	w, h := b.Width(), b.Height()
	return w >= minWidth && h >= minHeight && w*h >= minArea
}

// HasHelmet reports whether any helmet sits on the person: its horizontal
// center falls in [person.X1, person.X2) and its top is at most offset
// pixels above the person's top.
func HasHelmet(person detection.Box, helmets []detection.Box, offset float64) bool {
	for _, h := range helmets {
		cx := (h.X1 + h.X2) / 2
		if person.X1 <= cx && cx < person.X2 && h.Y1 >= person.Y1-offset {
			return true
		}
	}
	return false
}
