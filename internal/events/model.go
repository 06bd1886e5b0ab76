// Package events stores safety events and fans them out to subscribers
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// ErrNotFound is returned for an unknown event id
var ErrNotFound = errors.New("event not found")

// EventType represents the type of event
type EventType string

const (
	// EventViolation is a sustained run of unsafe frames on a stream
	EventViolation EventType = "violation"
	// EventAlert is a warning or danger result from the remote detector
	EventAlert EventType = "alert"
)

// Event is a persisted safety event
type Event struct {
	ID             string          `json:"id"`
	StreamID       string          `json:"stream_id"`
	Domain         string          `json:"domain"`
	EventType      EventType       `json:"event_type"`
	Status         string          `json:"status"`
	Reasons        []string        `json:"reasons"`
	PersonBoxes    []detection.Box `json:"person_boxes"`
	UnsafeFrames   int             `json:"unsafe_frames"`
	TotalFrames    int             `json:"total_frames"`
	UnsafeRatio    float64         `json:"unsafe_ratio"`
	Timestamp      time.Time       `json:"timestamp"`
	ThumbnailPath  string          `json:"thumbnail_path,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListOptions represents filters for querying events
type ListOptions struct {
	StreamID     string    `json:"stream_id,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	EventType    EventType `json:"event_type,omitempty"`
	StartTime    time.Time `json:"start_time,omitempty"`
	EndTime      time.Time `json:"end_time,omitempty"`
	Acknowledged *bool     `json:"acknowledged,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Stats summarizes the events of one stream or of all streams
type Stats struct {
	Today          int            `json:"today"`
	Unacknowledged int            `json:"unacknowledged"`
	Total          int            `json:"total"`
	ByDomain       map[string]int `json:"by_domain"`
}
