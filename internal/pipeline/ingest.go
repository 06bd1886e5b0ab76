package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

// FrameMessage is what a detector publishes for every frame of a stream
type FrameMessage struct {
	StreamID   string      `json:"stream_id"`
	FrameID    int64       `json:"frame_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	Format     string      `json:"format,omitempty"`
	Detections [][]float64 `json:"detections"`
	Image      []byte      `json:"image,omitempty"` // JPEG, optional
}

// VerdictMessage is published for every evaluated frame
type VerdictMessage struct {
	StreamID    string          `json:"stream_id"`
	Domain      string          `json:"domain"`
	FrameID     int64           `json:"frame_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      rules.Status    `json:"status"`
	Reasons     []string        `json:"reasons"`
	PersonBoxes []detection.Box `json:"person_boxes"`
}

// NewVerdictMessage flattens a stream snapshot
func NewVerdictMessage(s dispatch.Snapshot) VerdictMessage {
	return VerdictMessage{
		StreamID:    s.StreamID,
		Domain:      s.Domain,
		FrameID:     s.FrameID,
		Timestamp:   s.EvaluatedAt,
		Status:      s.Verdict.Status,
		Reasons:     s.Verdict.Reasons,
		PersonBoxes: s.Verdict.PersonBoxes,
	}
}

// DecodeFrame parses a frame message. The subject's stream id wins over
// an empty or missing one in the payload.
func DecodeFrame(streamID string, data []byte) (*detection.Frame, dispatch.RawFrame, error) {
	var msg FrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, dispatch.RawFrame{}, fmt.Errorf("failed to parse frame: %w", err)
	}
	if msg.StreamID == "" {
		msg.StreamID = streamID
	}
	if msg.StreamID != streamID {
		return nil, dispatch.RawFrame{}, fmt.Errorf("frame for %q published on stream %q", msg.StreamID, streamID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	frame := &detection.Frame{
		StreamID:  msg.StreamID,
		Timestamp: msg.Timestamp,
		FrameID:   msg.FrameID,
		Width:     msg.Width,
		Height:    msg.Height,
	}
	if len(msg.Image) > 0 {
		img, err := overlay.DecodeJPEG(msg.Image)
		if err != nil {
			return nil, dispatch.RawFrame{}, err
		}
		frame.Image = img
	}

	raw := dispatch.RawFrame{Rows: msg.Detections}
	if msg.Format != "" {
		format, err := detection.ParseFrameFormat(msg.Format)
		if err != nil {
			return nil, dispatch.RawFrame{}, err
		}
		raw.Format = format
	}
	return frame, raw, nil
}
