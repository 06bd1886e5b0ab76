// Package tracking keeps a bounded per-stream, per-track history of boxes
package tracking

import (
	"math"
	"sync"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

const (
	DefaultMaxHistory      = 30
	DefaultMinFrames       = 3
	DefaultMovingThreshold = 10.0
	// MinMovingHistory is the number of boxes the movement test needs
	MinMovingHistory = 10
)

// ring is a fixed-capacity FIFO of boxes
type ring struct {
	boxes []detection.Box
	head  int
	count int
}

func newRing(size int) *ring {
	return &ring{boxes: make([]detection.Box, size)}
}

func (r *ring) push(b detection.Box) {
	r.boxes[r.head] = b
	r.head = (r.head + 1) % len(r.boxes)
	if r.count < len(r.boxes) {
		r.count++
	}
}

// snapshot returns the boxes oldest first
func (r *ring) snapshot() []detection.Box {
	out := make([]detection.Box, r.count)
	start := (r.head - r.count + len(r.boxes)) % len(r.boxes)
	for i := 0; i < r.count; i++ {
		out[i] = r.boxes[(start+i)%len(r.boxes)]
	}
	return out
}

// streamTracks holds the tracks of one stream behind its own lock
type streamTracks struct {
	mu     sync.RWMutex
	tracks map[int]*ring
}

// History is the track history store shared by every stream evaluator
type History struct {
	maxHistory int

	mu      sync.RWMutex
	streams map[string]*streamTracks
}

// NewHistory creates a history keeping up to maxHistory boxes per track
func NewHistory(maxHistory int) *History {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &History{
		maxHistory: maxHistory,
		streams:    make(map[string]*streamTracks),
	}
}

// MaxHistory returns the per-track capacity
func (h *History) MaxHistory() int {
	return h.maxHistory
}

func (h *History) stream(streamID string, create bool) *streamTracks {
	h.mu.RLock()
	st, ok := h.streams[streamID]
	h.mu.RUnlock()
	if ok || !create {
		return st
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok = h.streams[streamID]; ok {
		return st
	}
	st = &streamTracks{tracks: make(map[int]*ring)}
	h.streams[streamID] = st
	return st
}

// Update appends a box to a track, evicting the oldest at capacity
func (h *History) Update(streamID string, trackID int, box detection.Box) {
	st := h.stream(streamID, true)

	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.tracks[trackID]
	if !ok {
		r = newRing(h.maxHistory)
		st.tracks[trackID] = r
	}
	r.push(box)
}

// Get returns a copy of a track's boxes, oldest first. Unknown keys give nil.
func (h *History) Get(streamID string, trackID int) []detection.Box {
	st := h.stream(streamID, false)
	if st == nil {
		return nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	r, ok := st.tracks[trackID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Len returns the number of boxes recorded for a track
func (h *History) Len(streamID string, trackID int) int {
	st := h.stream(streamID, false)
	if st == nil {
		return 0
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if r, ok := st.tracks[trackID]; ok {
		return r.count
	}
	return 0
}

// HasSufficientHistory reports whether a track has at least minFrames boxes
func (h *History) HasSufficientHistory(streamID string, trackID, minFrames int) bool {
	return h.Len(streamID, trackID) >= minFrames
}

// TrackCount returns the number of tracks held for a stream
func (h *History) TrackCount(streamID string) int {
	st := h.stream(streamID, false)
	if st == nil {
		return 0
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.tracks)
}

// Cleanup drops every track of a stream
func (h *History) Cleanup(streamID string) {
	h.mu.Lock()
	delete(h.streams, streamID)
	h.mu.Unlock()
}

// IsMoving reports whether the oldest and newest box centers are more than
// threshold pixels apart. Histories shorter than MinMovingHistory never move.
func IsMoving(history []detection.Box, threshold float64) bool {
	if len(history) < MinMovingHistory {
		return false
	}

	fx, fy := history[0].Center()
	lx, ly := history[len(history)-1].Center()
	return math.Hypot(lx-fx, ly-fy) > threshold
}
