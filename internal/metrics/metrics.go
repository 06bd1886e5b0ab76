// Package metrics exposes rule engine and bridge counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Bridge counters
	BridgeFramesSent        atomic.Uint64
	BridgeFramesDropped     atomic.Uint64
	BridgeFramesRateLimited atomic.Uint64
	BridgeResultsReceived   atomic.Uint64
	BridgeConnected         atomic.Uint64 // 0 = disconnected, 1 = connected

	ActiveStreams atomic.Int64
	EventsCreated atomic.Uint64

	framesEvaluated *prometheus.CounterVec
	unsafeVerdicts  *prometheus.CounterVec
	reasons         *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_frames_evaluated_total",
			Help: "Frames evaluated by a rule engine",
		}, []string{"domain"}),
		unsafeVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_unsafe_verdicts_total",
			Help: "Frames judged unsafe",
		}, []string{"domain"}),
		reasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_violation_reasons_total",
			Help: "Violation reasons raised",
		}, []string{"domain", "reason"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitewatch_dispatch_seconds",
			Help:    "Time spent decoding and evaluating a frame",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"domain"}),
	}

	m.registry.MustRegister(m.framesEvaluated, m.unsafeVerdicts, m.reasons, m.dispatchLatency)
	m.registerGauges()
	return m
}

func (m *Metrics) registerGauges() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_bridge_frames_sent_total",
			Help: "Frames sent to the remote detector",
		},
		func() float64 { return float64(m.BridgeFramesSent.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_bridge_frames_dropped_total",
			Help: "Frames dropped because the bridge queue was full",
		},
		func() float64 { return float64(m.BridgeFramesDropped.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_bridge_frames_rate_limited_total",
			Help: "Frames skipped by the per-stream bridge rate limit",
		},
		func() float64 { return float64(m.BridgeFramesRateLimited.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_bridge_results_received_total",
			Help: "Results received from the remote detector",
		},
		func() float64 { return float64(m.BridgeResultsReceived.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_bridge_connected",
			Help: "Remote detector connection (0=disconnected, 1=connected)",
		},
		func() float64 { return float64(m.BridgeConnected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_active_streams",
			Help: "Streams being evaluated",
		},
		func() float64 { return float64(m.ActiveStreams.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sitewatch_events_created_total",
			Help: "Violation events recorded",
		},
		func() float64 { return float64(m.EventsCreated.Load()) },
	))
}

// ObserveVerdict records one evaluated frame
func (m *Metrics) ObserveVerdict(domain string, unsafe bool, reasons []string, took time.Duration) {
	if m == nil {
		return
	}
	m.framesEvaluated.WithLabelValues(domain).Inc()
	m.dispatchLatency.WithLabelValues(domain).Observe(took.Seconds())
	if unsafe {
		m.unsafeVerdicts.WithLabelValues(domain).Inc()
	}
	for _, r := range reasons {
		m.reasons.WithLabelValues(domain, r).Inc()
	}
}

// BridgeSent counts a frame written to the remote detector
func (m *Metrics) BridgeSent() {
	if m != nil {
		m.BridgeFramesSent.Add(1)
	}
}

// BridgeDropped counts a frame dropped on a full queue
func (m *Metrics) BridgeDropped() {
	if m != nil {
		m.BridgeFramesDropped.Add(1)
	}
}

// BridgeRateLimited counts a frame skipped by the rate limit
func (m *Metrics) BridgeRateLimited() {
	if m != nil {
		m.BridgeFramesRateLimited.Add(1)
	}
}

// BridgeReceived counts a result from the remote detector
func (m *Metrics) BridgeReceived() {
	if m != nil {
		m.BridgeResultsReceived.Add(1)
	}
}

// SetBridgeConnected records the bridge connection state
func (m *Metrics) SetBridgeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BridgeConnected.Store(1)
	} else {
		m.BridgeConnected.Store(0)
	}
}

// StreamStarted and StreamStopped track the number of running streams
func (m *Metrics) StreamStarted() {
	if m != nil {
		m.ActiveStreams.Add(1)
	}
}

func (m *Metrics) StreamStopped() {
	if m != nil {
		m.ActiveStreams.Add(-1)
	}
}

// EventCreated counts a recorded violation event
func (m *Metrics) EventCreated() {
	if m != nil {
		m.EventsCreated.Add(1)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
