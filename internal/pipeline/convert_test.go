package pipeline

import (
	"testing"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

const pipelineConfig = `
tracking:
  min_frames: 4
  moving_threshold: 12
helmet:
  grace_seconds: -1
  min_box_width: 20
proximity:
  danger_distance: 3
  pixels_per_meter: 40
domains:
  PPE:
    classes:
      7: helmet
    min_confidence: 0.4
streams:
  - id: gate
    enabled: true
    domain: PPE
    format: with_track_id
    min_confidence: 0.6
    zones:
      - id: crane
        points: [[0, 0], [100, 0], [100, 100], [0, 100]]
    zone_projection: [1, 0, 10, 0, 1, 20, 0, 0, 1]
  - id: yard
    enabled: true
    domain: Proximity
    pixels_per_meter: 55
    homography:
      image: [[800, 410], [1125, 410], [1920, 850], [0, 850]]
      world: [[0, 0], [3.5, 0], [3.5, 20], [0, 20]]
  - id: dock
    enabled: false
    domain: Fire
`

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	return cfg
}

func TestStreamConfig_PPE(t *testing.T) {
	cfg := parseConfig(t, pipelineConfig)
	s, _ := cfg.GetStream("gate")

	sc, err := StreamConfig(cfg, s)
	if err != nil {
		t.Fatalf("StreamConfig failed: %v", err)
	}

	if sc.ID != "gate" || sc.Domain != rules.DomainPPE {
		t.Errorf("Expected gate/PPE, got %s/%s", sc.ID, sc.Domain)
	}
	if sc.Format != detection.FormatWithTrackID {
		t.Errorf("Expected with_track_id, got %s", sc.Format)
	}

	opts := sc.Options
	if opts.MinConfidence != 0.6 {
		t.Errorf("Expected stream min confidence to win, got %v", opts.MinConfidence)
	}
	if role, ok := opts.Classes.Role(7); !ok || role != rules.RoleHelmet {
		t.Errorf("Expected class 7 mapped to helmet, got %q", role)
	}
	defaults, _ := rules.DefaultClasses(rules.DomainPPE)
	if len(opts.Classes) < len(defaults) {
		t.Errorf("Expected overrides merged into %d default classes, got %d", len(defaults), len(opts.Classes))
	}
	if opts.MinTrackFrames != 4 {
		t.Errorf("Expected min track frames 4, got %d", opts.MinTrackFrames)
	}
	if opts.MinBox.Width != 20 {
		t.Errorf("Expected min box width 20, got %v", opts.MinBox.Width)
	}
	if opts.Proximity.MovingThreshold != 12 || opts.Proximity.DangerDistance != 3 {
		t.Errorf("Expected proximity 3m/12px, got %+v", opts.Proximity)
	}
	if len(opts.Zones) != 1 || len(opts.Zones[0]) != 4 {
		t.Fatalf("Expected one 4-point zone, got %v", opts.Zones)
	}

	if opts.Projector == nil {
		t.Fatal("Expected a zone projector")
	}
	h, ok := opts.Projector.Project(&detection.Frame{})
	if !ok {
		t.Fatal("Expected the projector to supply a homography")
	}
	p, _ := h.Transform(geometry.Point{X: 1, Y: 2})
	if p.X != 11 || p.Y != 22 {
		t.Errorf("Expected translated point (11, 22), got %v", p)
	}
}

func TestStreamConfig_Homography(t *testing.T) {
	cfg := parseConfig(t, pipelineConfig)
	s, _ := cfg.GetStream("yard")

	sc, err := StreamConfig(cfg, s)
	if err != nil {
		t.Fatalf("StreamConfig failed: %v", err)
	}

	if sc.Options.PixelsPerMeter != 55 {
		t.Errorf("Expected stream pixels per meter to win, got %v", sc.Options.PixelsPerMeter)
	}
	if sc.Options.Classes != nil {
		t.Errorf("Expected engine default classes without overrides, got %v", sc.Options.Classes)
	}
	if sc.Format != detection.FormatAuto {
		t.Errorf("Expected auto format, got %s", sc.Format)
	}
	if sc.Options.Homography == nil {
		t.Fatal("Expected a homography")
	}
	p, ok := sc.Options.Homography.Transform(geometry.Point{X: 1125, Y: 410})
	if !ok || abs(p.X-3.5) > 1e-6 || abs(p.Y) > 1e-6 {
		t.Errorf("Expected (3.5, 0), got %v", p)
	}
}

func TestStreamConfig_DegenerateHomography(t *testing.T) {
	cfg := parseConfig(t, pipelineConfig)
	s, _ := cfg.GetStream("yard")
	s.Homography = &config.HomographyConfig{
		Image: [][]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}},
		World: [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
	}

	if _, err := StreamConfig(cfg, s); err == nil {
		t.Error("Expected error for collinear image points")
	}
}

func TestDispatchConfig_EnabledOnly(t *testing.T) {
	cfg := parseConfig(t, pipelineConfig)

	dc, err := DispatchConfig(cfg)
	if err != nil {
		t.Fatalf("DispatchConfig failed: %v", err)
	}
	if len(dc.Streams) != 2 {
		t.Fatalf("Expected 2 enabled streams, got %d", len(dc.Streams))
	}

	// The converted configuration builds a working dispatcher
	d, err := dispatch.New(dc, SharedDeps(cfg, nil, nil))
	if err != nil {
		t.Fatalf("Failed to build dispatcher: %v", err)
	}
	if got := len(d.Streams()); got != 2 {
		t.Errorf("Expected 2 dispatcher streams, got %d", got)
	}
}

func TestHelmetConfig(t *testing.T) {
	tests := []struct {
		name  string
		grace float64
		want  time.Duration
	}{
		{"default", 5, 5 * time.Second},
		{"fractional", 1.5, 1500 * time.Millisecond},
		{"disabled", -1, -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HelmetConfig(config.HelmetConfig{Window: 90, GraceSeconds: tt.grace})
			if got.GracePeriod != tt.want {
				t.Errorf("Expected grace %v, got %v", tt.want, got.GracePeriod)
			}
			if got.Window != 90 {
				t.Errorf("Expected window 90, got %d", got.Window)
			}
		})
	}
}

func TestBridgeConfig(t *testing.T) {
	got := BridgeConfig(config.BridgeConfig{
		URL:                   "ws://detector:12321/send_frame",
		QueueSize:             4,
		Rate:                  -1,
		ReconnectDelaySeconds: 2.5,
		MaxMessageSizeMB:      10,
	})

	if got.URL != "ws://detector:12321/send_frame" || got.QueueSize != 4 || got.Rate != -1 {
		t.Errorf("Expected settings carried over, got %+v", got)
	}
	if got.ReconnectDelay != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s reconnect delay, got %v", got.ReconnectDelay)
	}
	if got.MaxMessageSize != 10<<20 {
		t.Errorf("Expected 10 MiB, got %d", got.MaxMessageSize)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
