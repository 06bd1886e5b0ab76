// Package pipeline feeds detector frames from the event bus through the
// dispatcher and turns sustained violations into stored events.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SiteWatch/internal/api"
	"github.com/Spatial-NVR/SiteWatch/internal/bridge"
	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/core"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

// frameBuffer is how many frames a stream may queue before NATS drops
// them as a slow consumer
const frameBuffer = 64

// Deps are the services the pipeline drives. Hub, Bridge and Metrics may
// be nil.
type Deps struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Bus        *core.EventBus
	Events     *events.Service
	Hub        *api.Hub
	Bridge     *bridge.Bridge
	Metrics    *metrics.Metrics
	// Now is the clock used for event cooldowns
	Now func() time.Time
}

type streamLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	remove atomic.Bool
}

type alertState struct {
	status string
	at     time.Time
}

// Service runs one ingest goroutine per enabled stream
type Service struct {
	mu      sync.Mutex
	deps    Deps
	cfg     atomic.Pointer[config.Config]
	streams map[string]*streamLoop
	configs map[string]dispatch.StreamConfig
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	alerts    chan bridge.Result
	lastAlert map[string]alertState

	logger *slog.Logger
}

// New creates the pipeline. Call Start to begin consuming frames.
func New(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{
		deps:      deps,
		streams:   make(map[string]*streamLoop),
		configs:   make(map[string]dispatch.StreamConfig),
		alerts:    make(chan bridge.Result, 16),
		lastAlert: make(map[string]alertState),
		logger:    slog.Default().With("component", "pipeline"),
	}
	s.cfg.Store(deps.Config)
	if deps.Bridge != nil {
		deps.Bridge.OnResult(s.onBridgeResult)
	}
	return s
}

// Start subscribes every enabled stream and begins fanning out events
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	dc, err := DispatchConfig(s.cfg.Load())
	if err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	sub := s.deps.Events.Subscribe()
	s.wg.Add(1)
	go s.forwardEvents(s.ctx, sub)

	if s.deps.Bridge != nil {
		s.wg.Add(1)
		go s.recordAlerts(s.ctx)
	}

	for _, sc := range dc.Streams {
		s.configs[sc.ID] = sc
		s.startStream(sc.ID)
	}

	s.running = true
	s.logger.Info("Pipeline started", "streams", len(dc.Streams))
	return nil
}

// Stop stops every stream loop and waits for them to release their state
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	for id := range s.streams {
		s.stopStream(id, false)
	}
	s.cancel()
	s.wg.Wait()

	s.running = false
	s.logger.Info("Pipeline stopped")
	return nil
}

// Running lists the ids of the streams being consumed
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// startStream starts the loop of a stream (must hold lock)
func (s *Service) startStream(streamID string) {
	if _, exists := s.streams[streamID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	loop := &streamLoop{cancel: cancel, done: make(chan struct{})}
	s.streams[streamID] = loop

	ch := make(chan *nats.Msg, frameBuffer)
	sub, err := s.deps.Bus.ChanSubscribe(core.FrameSubject(streamID), ch)
	if err != nil {
		s.logger.Error("Failed to subscribe to frames", "stream", streamID, "error", err)
		cancel()
		close(loop.done)
		delete(s.streams, streamID)
		return
	}

	s.deps.Metrics.StreamStarted()
	go s.processFrames(ctx, streamID, loop, sub, ch)

	s.logger.Info("Started stream", "stream", streamID, "subject", core.FrameSubject(streamID))
}

// stopStream stops a loop and waits for it to exit (must hold lock). A
// removed stream is also dropped from the dispatcher.
func (s *Service) stopStream(streamID string, remove bool) {
	loop, exists := s.streams[streamID]
	if !exists {
		return
	}

	loop.remove.Store(remove)
	loop.cancel()
	<-loop.done
	delete(s.streams, streamID)

	s.logger.Info("Stopped stream", "stream", streamID)
}

// processFrames consumes the frames of one stream until its context ends.
// The stream's tracking state is released exactly once on exit.
func (s *Service) processFrames(ctx context.Context, streamID string, loop *streamLoop, sub *nats.Subscription, ch chan *nats.Msg) {
	defer close(loop.done)
	defer s.deps.Metrics.StreamStopped()
	defer func() {
		_ = sub.Unsubscribe()
		if loop.remove.Load() {
			s.deps.Dispatcher.RemoveStream(streamID)
		} else {
			s.deps.Dispatcher.Cleanup(streamID)
		}
	}()

	recorder := NewRecorder(s.cfg.Load().EventSettings(), s.deps.Now)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			s.processFrame(ctx, streamID, recorder, msg.Data)
		}
	}
}

// processFrame evaluates a single frame message
func (s *Service) processFrame(ctx context.Context, streamID string, recorder *Recorder, data []byte) {
	frame, raw, err := DecodeFrame(streamID, data)
	if err != nil {
		s.logger.Warn("Invalid frame message", "stream", streamID, "error", err)
		return
	}

	v, err := s.deps.Dispatcher.Dispatch(frame, raw)
	if err != nil {
		s.logger.Warn("Dispatch failed", "stream", streamID, "error", err)
		return
	}

	domain, _ := s.deps.Dispatcher.Domain(streamID)
	snap, ok := s.deps.Dispatcher.Last(streamID)
	if !ok {
		snap = dispatch.Snapshot{
			StreamID:    streamID,
			Domain:      domain,
			Verdict:     v,
			FrameID:     frame.FrameID,
			EvaluatedAt: time.Now(),
		}
	}

	if err := s.deps.Bus.Publish(core.VerdictSubject(streamID), NewVerdictMessage(snap)); err != nil {
		s.logger.Debug("Failed to publish verdict", "stream", streamID, "error", err)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast(api.VerdictMessage(snap))
	}

	if w, ok := recorder.Observe(v, frame.Image); ok {
		s.recordViolation(ctx, streamID, domain, w)
	}
}

// recordViolation stores a violation event with its annotated snapshot
func (s *Service) recordViolation(ctx context.Context, streamID, domain string, w *Window) {
	event := &events.Event{
		ID:           uuid.New().String(),
		StreamID:     streamID,
		Domain:       domain,
		EventType:    events.EventViolation,
		Status:       string(rules.StatusUnsafe),
		Reasons:      w.Reasons,
		PersonBoxes:  w.PersonBoxes,
		UnsafeFrames: w.UnsafeFrames,
		TotalFrames:  w.TotalFrames,
		UnsafeRatio:  w.Ratio(),
		Timestamp:    w.ClosedAt,
	}

	settings := s.cfg.Load().EventSettings()
	if !settings.SkipSnapshots && w.Image != nil {
		path, err := WriteSnapshot(s.cfg.Load().SnapshotDir(), event.ID, w.Image, settings.SnapshotQuality)
		if err != nil {
			s.logger.Error("Failed to write snapshot", "stream", streamID, "error", err)
		} else {
			event.ThumbnailPath = path
		}
	}

	if err := s.deps.Events.Create(ctx, event); err != nil {
		s.logger.Error("Failed to create violation event", "stream", streamID, "error", err)
		return
	}
	s.logger.Warn("Violation recorded", "stream", streamID, "domain", domain,
		"reasons", event.Reasons, "unsafe_ratio", event.UnsafeRatio)
}

// onBridgeResult runs on the bridge's receive goroutine and must not block
func (s *Service) onBridgeResult(res bridge.Result) {
	if !res.Alert() {
		return
	}
	select {
	case s.alerts <- res:
	default:
		s.logger.Warn("Alert queue full, dropping alert", "stream", res.StreamID)
	}
}

// recordAlerts stores warning and danger results. A stream raises a new
// alert when its gauge status changes or the event cooldown has passed.
func (s *Service) recordAlerts(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.alerts:
			if s.deps.Hub != nil {
				s.deps.Hub.Broadcast(api.AlertMessage(res.StreamID, res.Metadata))
			}

			now := s.deps.Now()
			cooldown := time.Duration(s.cfg.Load().EventSettings().CooldownSeconds) * time.Second
			last, seen := s.lastAlert[res.StreamID]
			if seen && last.status == res.Status() && now.Sub(last.at) <= cooldown {
				continue
			}
			s.lastAlert[res.StreamID] = alertState{status: res.Status(), at: now}

			meta, err := json.Marshal(res.Metadata)
			if err != nil {
				s.logger.Error("Failed to marshal alert metadata", "error", err)
				continue
			}
			event := &events.Event{
				StreamID:  res.StreamID,
				Domain:    rules.DomainKDL,
				EventType: events.EventAlert,
				Status:    res.Status(),
				Reasons:   []string{"gauge_" + res.Status()},
				Timestamp: res.ReceivedAt,
				Metadata:  meta,
			}
			if err := s.deps.Events.Create(ctx, event); err != nil {
				s.logger.Error("Failed to create alert event", "stream", res.StreamID, "error", err)
			}
		}
	}
}

// forwardEvents publishes every stored event on the bus and to websocket clients
func (s *Service) forwardEvents(ctx context.Context, ch chan *events.Event) {
	defer s.wg.Done()
	defer s.deps.Events.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.deps.Metrics.EventCreated()

			subject := core.SubjectViolation
			if event.EventType == events.EventAlert {
				subject = core.AlertSubject(event.StreamID)
			}
			if err := s.deps.Bus.Publish(subject, event); err != nil {
				s.logger.Error("Failed to publish event", "event_id", event.ID, "error", err)
			}
			if s.deps.Hub != nil {
				s.deps.Hub.Broadcast(api.EventMessage(event))
			}
		}
	}
}

// OnConfigChange applies a reloaded configuration. Streams whose settings
// changed are rebuilt, which resets their tracking state.
func (s *Service) OnConfigChange(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Store(cfg)

	dc, err := DispatchConfig(cfg)
	if err != nil {
		s.logger.Error("Failed to apply config change", "error", err)
		return
	}

	wanted := make(map[string]bool, len(dc.Streams))
	for _, sc := range dc.Streams {
		wanted[sc.ID] = true
		if prev, ok := s.configs[sc.ID]; ok && reflect.DeepEqual(prev, sc) {
			continue
		}
		if err := s.deps.Dispatcher.AddStream(sc); err != nil {
			s.logger.Error("Failed to configure stream", "stream", sc.ID, "error", err)
			continue
		}
		s.configs[sc.ID] = sc
		if s.running {
			s.startStream(sc.ID)
		}
	}

	for id := range s.configs {
		if wanted[id] {
			continue
		}
		delete(s.configs, id)
		if _, running := s.streams[id]; running {
			s.stopStream(id, true)
		} else {
			s.deps.Dispatcher.RemoveStream(id)
		}
	}

	active := make([]string, 0, len(s.configs))
	for id := range s.configs {
		active = append(active, id)
	}
	sort.Strings(active)
	if err := s.deps.Bus.PublishConfigChanged(active); err != nil {
		s.logger.Error("Failed to publish config change", "error", err)
	}
	s.logger.Info("Pipeline reconfigured", "streams", len(active))
}
