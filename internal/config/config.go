// Package config provides configuration management for SiteWatch
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main SiteWatch configuration
type Config struct {
	Version   string                  `yaml:"version"`
	System    SystemConfig            `yaml:"system"`
	API       APIConfig               `yaml:"api"`
	EventBus  EventBusConfig          `yaml:"event_bus"`
	Tracking  TrackingConfig          `yaml:"tracking"`
	Helmet    HelmetConfig            `yaml:"helmet"`
	Proximity ProximityConfig         `yaml:"proximity"`
	Privacy   PrivacyConfig           `yaml:"privacy"`
	Bridge    BridgeConfig            `yaml:"bridge"`
	Events    EventsConfig            `yaml:"events"`
	Domains   map[string]DomainConfig `yaml:"domains,omitempty"`
	Streams   []StreamConfig          `yaml:"streams"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite path, relative paths resolve under data_path
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or text
	BufferSize int    `yaml:"buffer_size"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// EventBusConfig holds embedded NATS settings
type EventBusConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MaxPayloadMB int    `yaml:"max_payload_mb"`
}

// TrackingConfig holds track history settings
type TrackingConfig struct {
	MaxHistory      int     `yaml:"max_history"`
	MinFrames       int     `yaml:"min_frames"`
	MovingThreshold float64 `yaml:"moving_threshold"`
}

// HelmetConfig holds helmet compliance thresholds
type HelmetConfig struct {
	Window              int     `yaml:"window"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxMissingFrames    int     `yaml:"max_missing_frames"`
	GraceSeconds        float64 `yaml:"grace_seconds"` // negative disables suppression
	MinBoxWidth         float64 `yaml:"min_box_width"`
	MinBoxHeight        float64 `yaml:"min_box_height"`
}

// ProximityConfig holds worker to vehicle distance settings. Zero values
// keep each engine's own default.
type ProximityConfig struct {
	DangerDistance float64 `yaml:"danger_distance"`
	MinHistory     int     `yaml:"min_history"`
	MinSpread      float64 `yaml:"min_spread"`
	RequireMoving  bool    `yaml:"require_moving"`
	PixelsPerMeter float64 `yaml:"pixels_per_meter"`
}

// PrivacyConfig holds face blur settings
type PrivacyConfig struct {
	Ratio  float64  `yaml:"ratio"`
	Kernel int      `yaml:"kernel"`
	Roles  []string `yaml:"roles,omitempty"`
}

// BridgeConfig holds remote detector settings
type BridgeConfig struct {
	Enabled               bool    `yaml:"enabled"`
	URL                   string  `yaml:"url"`
	QueueSize             int     `yaml:"queue_size"`
	Rate                  float64 `yaml:"rate"` // frames per second per stream, negative is unlimited
	ReconnectDelaySeconds float64 `yaml:"reconnect_delay_seconds"`
	MaxMessageSizeMB      int     `yaml:"max_message_size_mb"`
}

// EventsConfig holds violation recording settings
type EventsConfig struct {
	UnsafeRatio     float64 `yaml:"unsafe_ratio"`
	FrameInterval   int     `yaml:"frame_interval"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	SkipSnapshots   bool    `yaml:"skip_snapshots"`
	SnapshotQuality int     `yaml:"snapshot_quality"`
	RetentionDays   int     `yaml:"retention_days"` // negative keeps events forever
}

// DomainConfig overrides a domain's class map and confidence floor
type DomainConfig struct {
	Classes       map[int]string `yaml:"classes,omitempty"`
	MinConfidence float64        `yaml:"min_confidence,omitempty"`
}

// StreamConfig holds configuration for a single video stream
type StreamConfig struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	Domain         string            `yaml:"domain" json:"domain"`
	Format         string            `yaml:"format,omitempty" json:"format,omitempty"`
	Homography     *HomographyConfig `yaml:"homography,omitempty" json:"homography,omitempty"`
	Zones          []ZoneConfig      `yaml:"zones,omitempty" json:"zones,omitempty"`
	PixelsPerMeter float64           `yaml:"pixels_per_meter,omitempty" json:"pixels_per_meter,omitempty"`
	MinConfidence  float64           `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	// ZoneProjection is an optional row-major 3x3 homography applied to the
	// zones every frame, for cameras that moved since the zones were drawn
	ZoneProjection []float64         `yaml:"zone_projection,omitempty" json:"zone_projection,omitempty"`
}

// HomographyConfig maps four image points onto four ground points in meters
type HomographyConfig struct {
	Image [][]float64 `yaml:"image" json:"image"`
	World [][]float64 `yaml:"world" json:"world"`
}

// ZoneConfig holds a hazard zone in reference image pixels
type ZoneConfig struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name,omitempty" json:"name,omitempty"`
	Points [][]float64 `yaml:"points" json:"points"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse builds a validated Config from a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Clean(event.Name) == filepath.Clean(c.GetPath()) {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	// Editors replace the file, so watch its directory
	return watcher.Add(filepath.Dir(c.GetPath()))
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk. An invalid file keeps the
// running configuration.
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.API = newCfg.API
	c.EventBus = newCfg.EventBus
	c.Tracking = newCfg.Tracking
	c.Helmet = newCfg.Helmet
	c.Proximity = newCfg.Proximity
	c.Privacy = newCfg.Privacy
	c.Bridge = newCfg.Bridge
	c.Events = newCfg.Events
	c.Domains = newCfg.Domains
	c.Streams = newCfg.Streams
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "streams", len(newCfg.Streams))

	for _, fn := range watchers {
		fn(c)
	}
}

// GetStream returns a copy of a stream's configuration
func (c *Config) GetStream(id string) (StreamConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Streams {
		if c.Streams[i].ID == id {
			return c.Streams[i], true
		}
	}
	return StreamConfig{}, false
}

// EnabledStreams returns a copy of the enabled streams
func (c *Config) EnabledStreams() []StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]StreamConfig, 0, len(c.Streams))
	for _, s := range c.Streams {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Domain returns the overrides of a domain
func (c *Config) Domain(name string) DomainConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Domains[name]
}

// EventSettings returns the current violation recording settings
func (c *Config) EventSettings() EventsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Events
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// DatabasePath resolves the SQLite path against the data path
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.System.Database.Path) {
		return c.System.Database.Path
	}
	return filepath.Join(c.System.DataPath, c.System.Database.Path)
}

// SnapshotDir is where annotated event frames are written
func (c *Config) SnapshotDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.System.DataPath, "snapshots")
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "SiteWatch"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = "sitewatch.db"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Logging.BufferSize <= 0 {
		c.System.Logging.BufferSize = 1000
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = 4222
	}
	if c.EventBus.MaxPayloadMB <= 0 {
		c.EventBus.MaxPayloadMB = 8
	}
	if c.Tracking.MaxHistory <= 0 {
		c.Tracking.MaxHistory = 30
	}
	if c.Tracking.MinFrames <= 0 {
		c.Tracking.MinFrames = 3
	}
	if c.Tracking.MovingThreshold <= 0 {
		c.Tracking.MovingThreshold = 10
	}
	if c.Helmet.Window <= 0 {
		c.Helmet.Window = 90
	}
	if c.Helmet.ConfidenceThreshold <= 0 {
		c.Helmet.ConfidenceThreshold = 0.2
	}
	if c.Helmet.MaxMissingFrames <= 0 {
		c.Helmet.MaxMissingFrames = 50
	}
	if c.Helmet.GraceSeconds == 0 {
		c.Helmet.GraceSeconds = 5
	}
	if c.Helmet.MinBoxWidth <= 0 {
		c.Helmet.MinBoxWidth = 15
	}
	if c.Helmet.MinBoxHeight <= 0 {
		c.Helmet.MinBoxHeight = 30
	}
	if c.Privacy.Ratio <= 0 {
		c.Privacy.Ratio = 0.4
	}
	if c.Privacy.Kernel <= 0 {
		c.Privacy.Kernel = 7
	}
	if c.Bridge.URL == "" {
		c.Bridge.URL = "ws://localhost:12321/send_frame"
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = 10
	}
	if c.Bridge.Rate == 0 {
		c.Bridge.Rate = 1.0
	}
	if c.Bridge.ReconnectDelaySeconds <= 0 {
		c.Bridge.ReconnectDelaySeconds = 5
	}
	if c.Bridge.MaxMessageSizeMB <= 0 {
		c.Bridge.MaxMessageSizeMB = 10
	}
	if c.Events.UnsafeRatio <= 0 {
		c.Events.UnsafeRatio = 0.7
	}
	if c.Events.FrameInterval <= 0 {
		c.Events.FrameInterval = 30
	}
	if c.Events.CooldownSeconds == 0 {
		c.Events.CooldownSeconds = 60
	}
	if c.Events.SnapshotQuality <= 0 {
		c.Events.SnapshotQuality = 85
	}
	if c.Events.RetentionDays == 0 {
		c.Events.RetentionDays = 30
	}
	for i := range c.Streams {
		if c.Streams[i].Name == "" {
			c.Streams[i].Name = c.Streams[i].ID
		}
		if c.Streams[i].Format == "" {
			c.Streams[i].Format = string(detection.FormatAuto)
		}
	}
}

// Validate checks the configuration. Any error is fatal at startup.
func (c *Config) Validate() error {
	if c.Events.UnsafeRatio > 1 {
		return fmt.Errorf("%w: events.unsafe_ratio must be at most 1, got %g", ErrInvalid, c.Events.UnsafeRatio)
	}
	if c.Events.CooldownSeconds < 0 {
		return fmt.Errorf("%w: events.cooldown_seconds must not be negative", ErrInvalid)
	}

	for name, d := range c.Domains {
		if !knownDomain(name) {
			return fmt.Errorf("%w: domains: %w: %q", ErrInvalid, rules.ErrUnknownDomain, name)
		}
		if d.MinConfidence < 0 || d.MinConfidence > 1 {
			return fmt.Errorf("%w: domains.%s.min_confidence must be within [0, 1]", ErrInvalid, name)
		}
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.ID == "" {
			return fmt.Errorf("%w: streams[%d]: id is required", ErrInvalid, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: streams[%d]: duplicate id %q", ErrInvalid, i, s.ID)
		}
		seen[s.ID] = true

		if err := c.validateStream(s); err != nil {
			return fmt.Errorf("%w: stream %q: %w", ErrInvalid, s.ID, err)
		}
	}
	return nil
}

func (c *Config) validateStream(s StreamConfig) error {
	if !knownDomain(s.Domain) {
		return fmt.Errorf("%w: %q", rules.ErrUnknownDomain, s.Domain)
	}
	if s.Domain == rules.DomainKDL && s.Enabled && !c.Bridge.Enabled {
		return errors.New("domain KDL requires bridge.enabled")
	}
	if _, err := detection.ParseFrameFormat(s.Format); err != nil {
		return err
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return errors.New("min_confidence must be within [0, 1]")
	}
	if s.PixelsPerMeter < 0 {
		return errors.New("pixels_per_meter must not be negative")
	}
	if h := s.Homography; h != nil {
		if len(h.Image) != 4 || len(h.World) != 4 {
			return errors.New("homography needs exactly 4 image and 4 world points")
		}
		if err := checkPoints(h.Image); err != nil {
			return fmt.Errorf("homography image: %w", err)
		}
		if err := checkPoints(h.World); err != nil {
			return fmt.Errorf("homography world: %w", err)
		}
	}
	for _, z := range s.Zones {
		if len(z.Points) < 3 {
			return fmt.Errorf("zone %q needs at least 3 points", z.ID)
		}
		if err := checkPoints(z.Points); err != nil {
			return fmt.Errorf("zone %q: %w", z.ID, err)
		}
	}
	if n := len(s.ZoneProjection); n != 0 && n != 9 {
		return fmt.Errorf("zone_projection needs 9 values, got %d", n)
	}
	return nil
}

func checkPoints(pts [][]float64) error {
	for i, p := range pts {
		if len(p) != 2 {
			return fmt.Errorf("point %d needs 2 coordinates, got %d", i, len(p))
		}
	}
	return nil
}

func knownDomain(name string) bool {
	if name == rules.DomainKDL {
		return true
	}
	_, ok := rules.DefaultClasses(name)
	return ok
}
