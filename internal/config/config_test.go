package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

const siteConfig = `
version: "1.0"
system:
  name: "North Yard"
  data_path: "/var/lib/sitewatch"
  database:
    path: "events.db"
api:
  listen: ":9000"
  cors_origins: ["http://localhost:5173"]
helmet:
  window: 5
  confidence_threshold: 0.7
  grace_seconds: -1
events:
  unsafe_ratio: 0.5
  frame_interval: 10
domains:
  PPE:
    classes:
      0: person
      3: helmet
    min_confidence: 0.4
streams:
  - id: gate
    name: "Main gate"
    enabled: true
    domain: PPE
    format: with_track_id
    zones:
      - id: crane
        points: [[0, 0], [100, 0], [100, 100], [0, 100]]
  - id: yard
    enabled: false
    domain: Proximity
    homography:
      image: [[800, 410], [1125, 410], [1920, 850], [0, 850]]
      world: [[0, 0], [3.5, 0], [3.5, 20], [0, 20]]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitewatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, siteConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.System.Name != "North Yard" {
		t.Errorf("Expected name 'North Yard', got '%s'", cfg.System.Name)
	}
	if cfg.API.Listen != ":9000" {
		t.Errorf("Expected listen ':9000', got '%s'", cfg.API.Listen)
	}
	if cfg.Helmet.Window != 5 || cfg.Helmet.ConfidenceThreshold != 0.7 {
		t.Errorf("Expected helmet 5/0.7, got %d/%g", cfg.Helmet.Window, cfg.Helmet.ConfidenceThreshold)
	}
	if cfg.Helmet.GraceSeconds != -1 {
		t.Errorf("Expected grace -1 to be kept, got %g", cfg.Helmet.GraceSeconds)
	}
	if cfg.Events.UnsafeRatio != 0.5 || cfg.Events.FrameInterval != 10 {
		t.Errorf("Expected events 0.5/10, got %g/%d", cfg.Events.UnsafeRatio, cfg.Events.FrameInterval)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("Expected 2 streams, got %d", len(cfg.Streams))
	}
	if cfg.GetPath() != path {
		t.Errorf("Expected path %s, got %s", path, cfg.GetPath())
	}

	ppe := cfg.Domain(rules.DomainPPE)
	if ppe.Classes[3] != "helmet" || ppe.MinConfidence != 0.4 {
		t.Errorf("Expected PPE overrides, got %+v", ppe)
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "streams: [unclosed")

	_, err := Load(path)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestSetDefaults(t *testing.T) {
	cfg, err := Parse([]byte("streams: [{id: a, domain: Fire}]"))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"version", cfg.Version, "1.0"},
		{"data path", cfg.System.DataPath, "data"},
		{"log level", cfg.System.Logging.Level, "info"},
		{"listen", cfg.API.Listen, ":8080"},
		{"nats port", cfg.EventBus.Port, 4222},
		{"max history", cfg.Tracking.MaxHistory, 30},
		{"helmet window", cfg.Helmet.Window, 90},
		{"helmet threshold", cfg.Helmet.ConfidenceThreshold, 0.2},
		{"helmet max missing", cfg.Helmet.MaxMissingFrames, 50},
		{"danger distance left to engines", cfg.Proximity.DangerDistance, 0.0},
		{"privacy kernel", cfg.Privacy.Kernel, 7},
		{"bridge url", cfg.Bridge.URL, "ws://localhost:12321/send_frame"},
		{"bridge queue", cfg.Bridge.QueueSize, 10},
		{"bridge rate", cfg.Bridge.Rate, 1.0},
		{"unsafe ratio", cfg.Events.UnsafeRatio, 0.7},
		{"frame interval", cfg.Events.FrameInterval, 30},
		{"cooldown", cfg.Events.CooldownSeconds, 60},
		{"retention days", cfg.Events.RetentionDays, 30},
		{"snapshots on", cfg.Events.SkipSnapshots, false},
		{"stream name", cfg.Streams[0].Name, "a"},
		{"stream format", cfg.Streams[0].Format, "auto"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown domain", "streams: [{id: a, domain: Nope}]", "unknown domain"},
		{"missing id", "streams: [{domain: PPE}]", "id is required"},
		{"duplicate id", "streams: [{id: a, domain: PPE}, {id: a, domain: Fire}]", "duplicate id"},
		{"bad format", "streams: [{id: a, domain: PPE, format: csv}]", "unknown frame format"},
		{"kdl without bridge", "streams: [{id: a, domain: KDL, enabled: true}]", "requires bridge.enabled"},
		{"short homography", "streams: [{id: a, domain: Proximity, homography: {image: [[0,0]], world: [[0,0]]}}]", "exactly 4"},
		{"small zone", "streams: [{id: a, domain: PPE, zones: [{id: z, points: [[0,0],[1,1]]}]}]", "at least 3 points"},
		{"bad projection", "streams: [{id: a, domain: PPE, zone_projection: [1,0,0]}]", "9 values"},
		{"ratio above one", "events: {unsafe_ratio: 1.5}", "unsafe_ratio"},
		{"unknown domain override", "domains: {Nope: {min_confidence: 0.5}}", "unknown domain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	_, err := Parse([]byte("streams: [{id: a, domain: Nope}]"))
	if !errors.Is(err, rules.ErrUnknownDomain) {
		t.Errorf("Expected ErrUnknownDomain, got %v", err)
	}

	if _, err := Parse([]byte("bridge: {enabled: true}\nstreams: [{id: a, domain: KDL, enabled: true}]")); err != nil {
		t.Errorf("Expected KDL with bridge to validate, got %v", err)
	}
}

func TestStreamAccessors(t *testing.T) {
	cfg, err := Parse([]byte(siteConfig))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	enabled := cfg.EnabledStreams()
	if len(enabled) != 1 || enabled[0].ID != "gate" {
		t.Errorf("Expected only gate enabled, got %+v", enabled)
	}

	s, ok := cfg.GetStream("yard")
	if !ok || s.Homography == nil {
		t.Fatal("Expected yard stream with homography")
	}
	if _, ok := cfg.GetStream("missing"); ok {
		t.Error("Expected missing stream to be absent")
	}

	if cfg.DatabasePath() != "/var/lib/sitewatch/events.db" {
		t.Errorf("Expected database under data path, got %s", cfg.DatabasePath())
	}
	if cfg.SnapshotDir() != "/var/lib/sitewatch/snapshots" {
		t.Errorf("Expected snapshot dir under data path, got %s", cfg.SnapshotDir())
	}
}

func TestOnChange(t *testing.T) {
	cfg := &Config{}

	callCount := 0
	cfg.OnChange(func(c *Config) {
		callCount++
	})

	if len(cfg.watchers) != 1 {
		t.Errorf("Expected 1 watcher, got %d", len(cfg.watchers))
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, siteConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	changed := make(chan int, 1)
	cfg.OnChange(func(c *Config) {
		changed <- len(c.EnabledStreams())
	})

	updated := strings.Replace(siteConfig, "enabled: false", "enabled: true", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	cfg.reload()

	select {
	case n := <-changed:
		if n != 2 {
			t.Errorf("Expected 2 enabled streams after reload, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected OnChange callback")
	}
}

func TestReloadKeepsConfigOnError(t *testing.T) {
	path := writeConfig(t, siteConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	called := false
	cfg.OnChange(func(*Config) { called = true })

	if err := os.WriteFile(path, []byte("streams: [{id: a, domain: Nope}]"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	cfg.reload()

	if called {
		t.Error("Expected no callback for an invalid file")
	}
	if len(cfg.Streams) != 2 {
		t.Errorf("Expected running config to be kept, got %d streams", len(cfg.Streams))
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, siteConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	changed := make(chan struct{}, 4)
	cfg.OnChange(func(*Config) { changed <- struct{}{} })

	if err := cfg.Watch(); err != nil {
		t.Fatalf("Failed to watch config: %v", err)
	}

	if err := os.WriteFile(path, []byte(siteConfig+"\n# touched\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected reload after file write")
	}
}
