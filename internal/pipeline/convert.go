package pipeline

import (
	"fmt"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/bridge"
	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/privacy"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

// StreamConfig converts a configured stream into its dispatcher settings.
// Stream level values win over domain overrides, which win over the
// engine defaults.
func StreamConfig(cfg *config.Config, s config.StreamConfig) (dispatch.StreamConfig, error) {
	format, err := detection.ParseFrameFormat(s.Format)
	if err != nil {
		return dispatch.StreamConfig{}, fmt.Errorf("stream %s: %w", s.ID, err)
	}

	domain := cfg.Domain(s.Domain)
	opts := rules.Options{
		MinConfidence:  domain.MinConfidence,
		PixelsPerMeter: cfg.Proximity.PixelsPerMeter,
		MinTrackFrames: cfg.Tracking.MinFrames,
		MinBox: rules.MinBox{
			Width:  cfg.Helmet.MinBoxWidth,
			Height: cfg.Helmet.MinBoxHeight,
		},
		Proximity: rules.ProximityOptions{
			DangerDistance:  cfg.Proximity.DangerDistance,
			MinHistory:      cfg.Proximity.MinHistory,
			MinSpread:       cfg.Proximity.MinSpread,
			RequireMoving:   cfg.Proximity.RequireMoving,
			MovingThreshold: cfg.Tracking.MovingThreshold,
		},
	}
	if s.MinConfidence > 0 {
		opts.MinConfidence = s.MinConfidence
	}
	if s.PixelsPerMeter > 0 {
		opts.PixelsPerMeter = s.PixelsPerMeter
	}

	if defaults, ok := rules.DefaultClasses(s.Domain); ok && len(domain.Classes) > 0 {
		overrides := make(map[int]rules.Role, len(domain.Classes))
		for id, role := range domain.Classes {
			overrides[id] = rules.Role(role)
		}
		opts.Classes = defaults.Merge(overrides)
	}

	if s.Homography != nil {
		h, err := homography(s.Homography)
		if err != nil {
			return dispatch.StreamConfig{}, fmt.Errorf("stream %s: homography: %w", s.ID, err)
		}
		opts.Homography = h
	}

	for _, z := range s.Zones {
		opts.Zones = append(opts.Zones, polygon(z.Points))
	}

	if len(s.ZoneProjection) == 9 {
		var m [9]float64
		copy(m[:], s.ZoneProjection)
		h, err := geometry.FromMatrix(m)
		if err != nil {
			return dispatch.StreamConfig{}, fmt.Errorf("stream %s: zone projection: %w", s.ID, err)
		}
		opts.Projector = rules.StaticProjector{H: h}
	}

	return dispatch.StreamConfig{
		ID:      s.ID,
		Domain:  s.Domain,
		Format:  format,
		Options: opts,
	}, nil
}

// DispatchConfig converts every enabled stream
func DispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var out dispatch.Config
	for _, s := range cfg.EnabledStreams() {
		sc, err := StreamConfig(cfg, s)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.Streams = append(out.Streams, sc)
	}
	return out, nil
}

// SharedDeps builds the per-process state every engine shares. The bridge may be nil when no stream uses the remote detector.
func SharedDeps(cfg *config.Config, b *bridge.Bridge, m *metrics.Metrics) dispatch.Deps {
	return dispatch.Deps{
		History: tracking.NewHistory(cfg.Tracking.MaxHistory),
		Helmets: helmet.NewCompliance(HelmetConfig(cfg.Helmet)),
		Privacy: &privacy.Filter{
			Roles:  cfg.Privacy.Roles,
			Ratio:  cfg.Privacy.Ratio,
			Kernel: cfg.Privacy.Kernel,
		},
		Bridge:  b,
		Metrics: m,
	}
}

// HelmetConfig converts the helmet thresholds. A negative grace period
// stays negative and disables suppression.
func HelmetConfig(h config.HelmetConfig) helmet.Config {
	return helmet.Config{
		Window:              h.Window,
		ConfidenceThreshold: h.ConfidenceThreshold,
		MaxMissingFrames:    h.MaxMissingFrames,
		GracePeriod:         time.Duration(h.GraceSeconds * float64(time.Second)),
	}
}

// BridgeConfig converts the remote detector settings
func BridgeConfig(b config.BridgeConfig) bridge.Config {
	return bridge.Config{
		URL:            b.URL,
		QueueSize:      b.QueueSize,
		Rate:           b.Rate,
		ReconnectDelay: time.Duration(b.ReconnectDelaySeconds * float64(time.Second)),
		MaxMessageSize: int64(b.MaxMessageSizeMB) << 20,
	}
}

func homography(h *config.HomographyConfig) (*geometry.Homography, error) {
	var src, dst [4]geometry.Point
	for i := 0; i < 4; i++ {
		src[i] = geometry.Point{X: h.Image[i][0], Y: h.Image[i][1]}
		dst[i] = geometry.Point{X: h.World[i][0], Y: h.World[i][1]}
	}
	return geometry.NewHomography(src, dst)
}

func polygon(points [][]float64) geometry.Polygon {
	poly := make(geometry.Polygon, 0, len(points))
	for _, p := range points {
		if len(p) < 2 {
			continue
		}
		poly = append(poly, geometry.Point{X: p[0], Y: p[1]})
	}
	return poly
}
