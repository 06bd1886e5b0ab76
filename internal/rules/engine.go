// Package rules holds one safety rule engine per site domain. Each engine
// turns the detections of a frame into a Verdict and annotates the frame.
package rules

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sort"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/privacy"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

// ErrUnknownDomain is returned for a domain name with no engine
var ErrUnknownDomain = errors.New("unknown domain")

// Domain names
const (
	DomainPPE               = "PPE"
	DomainPPEAerial         = "PPEAerial"
	DomainScaffolding       = "Scaffolding"
	DomainMobileScaffolding = "MobileScaffolding"
	DomainLadder            = "Ladder"
	DomainCuttingWelding    = "CuttingWelding"
	DomainFire              = "Fire"
	DomainHeavyEquipment    = "HeavyEquipment"
	DomainProximity         = "Proximity"
	DomainNexilisProximity  = "NexilisProximity"
	DomainApprotium         = "Approtium"
	DomainIntrusion         = "Intrusion"
	// DomainKDL is served by the remote detection bridge
	DomainKDL = "KDL"
)

// Engine evaluates the detections of one frame
type Engine interface {
	Domain() string
	Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict
}

// Cleaner is implemented by engines that keep per-stream state
type Cleaner interface {
	Cleanup(streamID string)
}

// Options carries the shared state and tuning an engine is built with.
// Zero values take the domain defaults.
type Options struct {
	Classes       ClassMap
	MinConfidence float64

	History *tracking.History
	Helmets *helmet.Compliance
	Privacy *privacy.Filter

	Homography     *geometry.Homography
	Proximity      ProximityOptions
	PixelsPerMeter float64

	// MinTrackFrames is the number of observations a track needs before
	// stability-dependent rules use it
	MinTrackFrames int

	MinBox MinBox

	Zones     []geometry.Polygon
	Projector ZoneProjector

	Logger *slog.Logger
}

// ProximityOptions tunes worker to vehicle distance checks
type ProximityOptions struct {
	DangerDistance float64
	MinHistory     int
	MinSpread      float64
	RequireMoving  bool
	// MovingThreshold is the center displacement in pixels that makes a
	// vehicle count as moving
	MovingThreshold float64
}

// MinBox is the smallest person box judged for helmets
type MinBox struct {
	Width  float64
	Height float64
	Area   float64
}

func (o Options) withDefaults() Options {
	if o.History == nil {
		o.History = tracking.NewHistory(tracking.DefaultMaxHistory)
	}
	if o.Helmets == nil {
		o.Helmets = helmet.NewCompliance(helmet.DefaultConfig())
	}
	if o.Privacy == nil {
		o.Privacy = privacy.NewFilter()
	}
	if o.MinTrackFrames <= 0 {
		o.MinTrackFrames = tracking.DefaultMinFrames
	}
	if o.MinBox.Width <= 0 {
		o.MinBox.Width = helmet.DefaultMinBoxWidth
	}
	if o.MinBox.Height <= 0 {
		o.MinBox.Height = helmet.DefaultMinBoxHeight
	}
	if o.MinBox.Area <= 0 {
		o.MinBox.Area = helmet.DefaultMinBoxArea
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// domainDef describes an engine's defaults and how to build it
type domainDef struct {
	classes   ClassMap
	required  []Role
	minConf   float64
	inclusive bool
	build     func(b base, opts Options) (Engine, error)
}

var domains = map[string]domainDef{
	DomainPPE:               ppeDomain,
	DomainPPEAerial:         ppeDomain,
	DomainHeavyEquipment:    heavyEquipmentDomain,
	DomainScaffolding:       scaffoldingDomain,
	DomainMobileScaffolding: mobileScaffoldingDomain,
	DomainLadder:            ladderDomain,
	DomainCuttingWelding:    cuttingWeldingDomain,
	DomainFire:              fireDomain,
	DomainProximity:         proximityDomain,
	DomainNexilisProximity:  nexilisDomain,
	DomainApprotium:         approtiumDomain,
	DomainIntrusion:         intrusionDomain,
}

// Domains returns the domain names New accepts, sorted
func Domains() []string {
	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultClasses returns a copy of a domain's default class map
func DefaultClasses(domain string) (ClassMap, bool) {
	def, ok := domains[domain]
	if !ok {
		return nil, false
	}
	return def.classes.Merge(nil), true
}

// New builds the engine for a domain. The class map is validated against
// the roles the engine needs.
func New(domain string, opts Options) (Engine, error) {
	def, ok := domains[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	opts = opts.withDefaults()
	classes := opts.Classes
	if classes == nil {
		classes = def.classes
	}
	if err := classes.Validate(domain, def.required); err != nil {
		return nil, err
	}

	minConf := def.minConf
	if opts.MinConfidence > 0 {
		minConf = opts.MinConfidence
	}

	b := base{
		domain:    domain,
		classes:   classes,
		minConf:   minConf,
		inclusive: def.inclusive,
	}
	return def.build(b, opts)
}

// base holds the class filtering shared by every engine
type base struct {
	domain    string
	classes   ClassMap
	minConf   float64
	inclusive bool
}

func (b base) Domain() string {
	return b.domain
}

func (b base) accept(d detection.Detection) bool {
	if b.inclusive {
		return d.Confidence >= b.minConf
	}
	return d.Confidence > b.minConf
}

// split groups the confident detections by role, with boxes snapped to
// whole pixels
func (b base) split(dets []detection.Detection) map[Role][]detection.Detection {
	out := make(map[Role][]detection.Detection)
	for _, d := range dets {
		if !b.accept(d) {
			continue
		}
		role, ok := b.classes.Role(d.ClassID)
		if !ok {
			continue
		}
		d.Box = d.Box.Truncate()
		out[role] = append(out[role], d)
	}
	return out
}

func boxes(dets []detection.Detection) []detection.Box {
	out := make([]detection.Box, len(dets))
	for i, d := range dets {
		out[i] = d.Box
	}
	return out
}

// canvas returns the drawable frame, or nil
func canvas(frame *detection.Frame) *image.RGBA {
	if frame == nil {
		return nil
	}
	return frame.Image
}

// streamID returns the stream of a frame
func streamID(frame *detection.Frame) string {
	if frame == nil {
		return ""
	}
	return frame.StreamID
}

// banner draws the frame status with its reasons
func banner(frame *detection.Frame, r *result) {
	img := canvas(frame)
	if img == nil {
		return
	}
	status := StatusSafe
	if r.unsafe() {
		status = StatusUnsafe
	}
	overlay.Status(img, string(status), r.unsafe(), r.reasons)
}

// helmetLabel returns the person label and color for a helmet judgment
func helmetLabel(hasHelmet bool) (string, color.RGBA) {
	if hasHelmet {
		return "Worker with helmet", overlay.DarkGreen
	}
	return "Worker without helmet", overlay.Red
}

// fmtConf formats a detection label with its confidence
func fmtConf(label string, conf float64) string {
	return fmt.Sprintf("%s %.2f", label, conf)
}
