// Package dispatch routes the detector output of each stream to the rule
// engine of its domain.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/bridge"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/privacy"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

var (
	// ErrUnknownDomain is returned for a stream whose domain has no engine
	ErrUnknownDomain = rules.ErrUnknownDomain
	// ErrUnknownStream is returned when a frame names a stream that is not configured
	ErrUnknownStream = errors.New("unknown stream")
	// ErrBridgeRequired is returned when a KDL stream is configured without a bridge
	ErrBridgeRequired = errors.New("remote detection bridge not configured")
)

// StreamConfig describes one stream to evaluate
type StreamConfig struct {
	ID      string
	Domain  string
	Format  detection.FrameFormat
	Options rules.Options
}

// Config lists the streams a dispatcher starts with
type Config struct {
	Streams []StreamConfig
}

// Deps holds the state shared by every stream's engine
type Deps struct {
	History *tracking.History
	Helmets *helmet.Compliance
	Privacy *privacy.Filter
	Bridge  *bridge.Bridge
	Metrics *metrics.Metrics
}

// RawFrame is the undecoded detector output of one frame
type RawFrame struct {
	Rows [][]float64
	// Format overrides the stream's configured row layout when set
	Format detection.FrameFormat
}

// Snapshot is the last verdict of a stream
type Snapshot struct {
	StreamID    string        `json:"stream_id"`
	Domain      string        `json:"domain"`
	Verdict     rules.Verdict `json:"verdict"`
	FrameID     int64         `json:"frame_id"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Frames      uint64        `json:"frames"`
}

type stream struct {
	cfg    StreamConfig
	engine rules.Engine

	mu     sync.Mutex
	last   Snapshot
	frames uint64
}

// Dispatcher owns one engine per stream
type Dispatcher struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

// New builds the engines of every configured stream. Any unknown domain or
// invalid class map fails the whole configuration.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.History == nil {
		deps.History = tracking.NewHistory(tracking.DefaultMaxHistory)
	}
	if deps.Helmets == nil {
		deps.Helmets = helmet.NewCompliance(helmet.DefaultConfig())
	}
	if deps.Privacy == nil {
		deps.Privacy = privacy.NewFilter()
	}

	d := &Dispatcher{
		deps:    deps,
		logger:  slog.Default().With("component", "dispatch"),
		streams: make(map[string]*stream),
	}

	for _, sc := range cfg.Streams {
		if _, dup := d.streams[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate stream id: %q", sc.ID)
		}
		s, err := d.build(sc)
		if err != nil {
			return nil, err
		}
		d.streams[sc.ID] = s
	}
	return d, nil
}

func (d *Dispatcher) build(sc StreamConfig) (*stream, error) {
	if sc.ID == "" {
		return nil, errors.New("stream id is required")
	}
	if sc.Format == "" {
		sc.Format = detection.FormatAuto
	}

	opts := sc.Options
	opts.History = d.deps.History
	opts.Helmets = d.deps.Helmets
	opts.Privacy = d.deps.Privacy
	opts.Logger = d.logger.With("stream", sc.ID, "domain", sc.Domain)

	var engine rules.Engine
	switch sc.Domain {
	case rules.DomainKDL:
		if d.deps.Bridge == nil {
			return nil, fmt.Errorf("stream %s: %w", sc.ID, ErrBridgeRequired)
		}
		engine = bridge.NewEngine(d.deps.Bridge)
	default:
		e, err := rules.New(sc.Domain, opts)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.ID, err)
		}
		engine = e
		if sc.Domain != rules.DomainIntrusion {
			engine = rules.WithIntrusion(engine, opts.Zones, opts.Projector)
		}
	}

	return &stream{cfg: sc, engine: engine}, nil
}

// AddStream starts evaluating a stream, replacing any stream with the same id
func (d *Dispatcher) AddStream(sc StreamConfig) error {
	s, err := d.build(sc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, replaced := d.streams[sc.ID]
	d.streams[sc.ID] = s
	d.mu.Unlock()

	if replaced {
		d.cleanup(sc.ID, nil)
	}
	d.logger.Info("Stream added", "stream", sc.ID, "domain", sc.Domain, "format", s.cfg.Format)
	return nil
}

// RemoveStream stops evaluating a stream and releases its state
func (d *Dispatcher) RemoveStream(streamID string) {
	d.mu.Lock()
	s, ok := d.streams[streamID]
	delete(d.streams, streamID)
	d.mu.Unlock()

	if !ok {
		return
	}
	d.cleanup(streamID, s.engine)
	d.logger.Info("Stream removed", "stream", streamID)
}

func (d *Dispatcher) lookup(streamID string) (*stream, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.streams[streamID]
	return s, ok
}

// Dispatch decodes the raw rows of a frame and evaluates them
func (d *Dispatcher) Dispatch(frame *detection.Frame, raw RawFrame) (rules.Verdict, error) {
	if frame == nil {
		return rules.Verdict{}, errors.New("frame is required")
	}
	s, ok := d.lookup(frame.StreamID)
	if !ok {
		return rules.Verdict{}, fmt.Errorf("%w: %q", ErrUnknownStream, frame.StreamID)
	}

	format := raw.Format
	if format == "" {
		format = s.cfg.Format
	}
	return d.evaluate(s, frame, detection.Decode(format, raw.Rows)), nil
}

// Evaluate runs already decoded detections through the stream's engine
func (d *Dispatcher) Evaluate(frame *detection.Frame, dets []detection.Detection) (rules.Verdict, error) {
	if frame == nil {
		return rules.Verdict{}, errors.New("frame is required")
	}
	s, ok := d.lookup(frame.StreamID)
	if !ok {
		return rules.Verdict{}, fmt.Errorf("%w: %q", ErrUnknownStream, frame.StreamID)
	}
	return d.evaluate(s, frame, dets), nil
}

func (d *Dispatcher) evaluate(s *stream, frame *detection.Frame, dets []detection.Detection) rules.Verdict {
	start := time.Now()
	v := s.engine.Evaluate(frame, dets).Normalize()
	took := time.Since(start)

	d.deps.Metrics.ObserveVerdict(s.cfg.Domain, v.Unsafe(), v.Reasons, took)

	s.mu.Lock()
	s.frames++
	s.last = Snapshot{
		StreamID:    s.cfg.ID,
		Domain:      s.cfg.Domain,
		Verdict:     v,
		FrameID:     frame.FrameID,
		EvaluatedAt: start,
		Frames:      s.frames,
	}
	s.mu.Unlock()

	if v.Unsafe() {
		d.logger.Debug("Unsafe frame", "stream", s.cfg.ID, "reasons", v.Reasons)
	}
	return v
}

// Last returns the most recent verdict of a stream
func (d *Dispatcher) Last(streamID string) (Snapshot, bool) {
	s, ok := d.lookup(streamID)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == 0 {
		return Snapshot{}, false
	}
	return s.last, true
}

// StreamInfo describes a configured stream
type StreamInfo struct {
	ID     string                `json:"id"`
	Domain string                `json:"domain"`
	Format detection.FrameFormat `json:"format"`
	Frames uint64                `json:"frames"`
}

// Streams lists the configured streams sorted by id
func (d *Dispatcher) Streams() []StreamInfo {
	d.mu.RLock()
	out := make([]StreamInfo, 0, len(d.streams))
	for _, s := range d.streams {
		s.mu.Lock()
		out = append(out, StreamInfo{ID: s.cfg.ID, Domain: s.cfg.Domain, Format: s.cfg.Format, Frames: s.frames})
		s.mu.Unlock()
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Domain returns the domain of a stream
func (d *Dispatcher) Domain(streamID string) (string, bool) {
	s, ok := d.lookup(streamID)
	if !ok {
		return "", false
	}
	return s.cfg.Domain, true
}

// Cleanup releases the tracking and helmet state of a stream. The stream
// stays configured.
func (d *Dispatcher) Cleanup(streamID string) {
	var engine rules.Engine
	if s, ok := d.lookup(streamID); ok {
		engine = s.engine
		s.mu.Lock()
		s.frames = 0
		s.last = Snapshot{}
		s.mu.Unlock()
	}
	d.cleanup(streamID, engine)
}

func (d *Dispatcher) cleanup(streamID string, engine rules.Engine) {
	d.deps.History.Cleanup(streamID)
	d.deps.Helmets.Cleanup(streamID)
	if c, ok := engine.(rules.Cleaner); ok {
		c.Cleanup(streamID)
	}
}
