package bridge

import (
	"log/slog"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

// DefaultJPEGQuality is the quality frames are encoded with for the detector
const DefaultJPEGQuality = 85

// Engine serves the KDL domain by forwarding frames to the remote detector.
// Results arrive asynchronously, so every frame is judged Safe here and the
// last result is drawn onto the frame.
type Engine struct {
	bridge  *Bridge
	quality int
	logger  *slog.Logger
}

// NewEngine creates the forwarding engine
func NewEngine(b *Bridge) *Engine {
	return &Engine{
		bridge:  b,
		quality: DefaultJPEGQuality,
		logger:  slog.Default().With("component", "bridge_engine"),
	}
}

func (e *Engine) Domain() string {
	return rules.DomainKDL
}

func (e *Engine) Evaluate(frame *detection.Frame, _ []detection.Detection) rules.Verdict {
	if frame == nil || frame.Image == nil {
		return rules.SafeVerdict()
	}

	data, err := overlay.EncodeJPEG(frame.Image, e.quality)
	if err != nil {
		e.logger.Error("Failed to encode frame", "stream", frame.StreamID, "error", err)
		return rules.SafeVerdict()
	}
	e.bridge.Send(frame.StreamID, data)
	e.bridge.Overlay(frame.Image, frame.StreamID)

	return rules.SafeVerdict()
}

// Cleanup drops the stream's cached result
func (e *Engine) Cleanup(streamID string) {
	e.bridge.Forget(streamID)
}
