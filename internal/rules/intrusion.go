package rules

import (
	"image"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

var intrusionDomain = domainDef{
	classes:  ClassMap{0: RolePerson},
	required: []Role{RolePerson},
	minConf:  0.5,
	build: func(b base, opts Options) (Engine, error) {
		return &Intrusion{base: b, zones: newZoneSet(opts.Zones, opts.Projector)}, nil
	},
}

// ZoneProjector supplies a per-frame homography that moves hazard zones
// from the reference view into the current frame, for moving cameras
type ZoneProjector interface {
	Project(frame *detection.Frame) (*geometry.Homography, bool)
}

// StaticProjector always applies the same homography
type StaticProjector struct {
	H *geometry.Homography
}

func (p StaticProjector) Project(*detection.Frame) (*geometry.Homography, bool) {
	return p.H, p.H != nil
}

// zoneSet holds a stream's hazard zones and finds people inside them
type zoneSet struct {
	zones     []geometry.Polygon
	projector ZoneProjector
}

func newZoneSet(zones []geometry.Polygon, projector ZoneProjector) *zoneSet {
	return &zoneSet{zones: zones, projector: projector}
}

// current returns the zones in the coordinates of this frame
func (z *zoneSet) current(frame *detection.Frame) []geometry.Polygon {
	if z.projector == nil {
		return z.zones
	}
	h, ok := z.projector.Project(frame)
	if !ok {
		return z.zones
	}
	out := make([]geometry.Polygon, len(z.zones))
	for i, zone := range z.zones {
		out[i] = h.TransformAll(zone)
	}
	return out
}

// anchor is the whole-pixel bottom middle of a box, where a person stands
func anchor(b detection.Box) geometry.Point {
	r := b.Rect()
	return geometry.Point{X: float64((r.Min.X + r.Max.X) / 2), Y: float64(r.Max.Y)}
}

// intruders returns the people standing inside any zone, and draws the zones
func (z *zoneSet) intruders(frame *detection.Frame, persons []detection.Box) []detection.Box {
	zones := z.current(frame)
	img := canvas(frame)
	for _, zone := range zones {
		drawZone(img, zone)
	}

	var out []detection.Box
	for _, p := range persons {
		pt := anchor(p)
		for _, zone := range zones {
			if zone.Contains(pt) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func drawZone(img *image.RGBA, zone geometry.Polygon) {
	if img == nil || len(zone) < 2 {
		return
	}
	for i := range zone {
		a, b := zone[i], zone[(i+1)%len(zone)]
		overlay.Line(img, toPixel(a), toPixel(b), overlay.Yellow, overlay.DefaultThickness)
	}
}

// Intrusion flags people standing inside a hazard zone
type Intrusion struct {
	base
	zones *zoneSet
}

func (e *Intrusion) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	r := newResult()

	persons := boxes(e.split(dets)[RolePerson])
	inside := e.zones.intruders(frame, persons)
	if len(inside) > 0 {
		r.add(ReasonIntrusion)
	}

	for _, p := range persons {
		r.person(p)
		overlay.Rect(img, p, overlay.Green, overlay.DefaultThickness)
	}
	for _, p := range inside {
		overlay.BoxLabel(img, p, "Intruder", overlay.Red)
	}

	banner(frame, r)
	return r.verdict()
}

// WithIntrusion layers a hazard zone check over another engine, using the
// person boxes it reports
func WithIntrusion(inner Engine, zones []geometry.Polygon, projector ZoneProjector) Engine {
	if len(zones) == 0 {
		return inner
	}
	return &intrusionLayer{Engine: inner, zones: newZoneSet(zones, projector)}
}

type intrusionLayer struct {
	Engine
	zones *zoneSet
}

func (l *intrusionLayer) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	v := l.Engine.Evaluate(frame, dets)
	inside := l.zones.intruders(frame, v.PersonBoxes)
	if len(inside) == 0 {
		return v
	}

	img := canvas(frame)
	for _, p := range inside {
		overlay.BoxLabel(img, p, "Intruder", overlay.Red)
	}
	v.Reasons = append(v.Reasons, ReasonIntrusion)
	return v.Normalize()
}

// Cleanup forwards to the wrapped engine
func (l *intrusionLayer) Cleanup(streamID string) {
	if c, ok := l.Engine.(Cleaner); ok {
		c.Cleanup(streamID)
	}
}
