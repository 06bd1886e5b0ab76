package rules

import (
	"fmt"
	"image"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/privacy"
	"github.com/Spatial-NVR/SiteWatch/internal/proximity"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

// VehicleNames labels the default heavy equipment classes
var VehicleNames = map[int]string{
	0: "Backhoe loader",
	1: "Cement truck",
	2: "Compactor",
	3: "Dozer",
	4: "Dump truck",
	5: "Excavator",
	6: "Grader",
	7: "Mobile crane",
	8: "Tower crane",
	9: "Wheel loader",
}

// driverMargin is how far above or below a crane arm a driver may stand
const driverMargin = 50

var proximityDomain = domainDef{
	classes: ClassMap{
		0: RoleVehicle, 1: RoleVehicle, 2: RoleVehicle, 3: RoleVehicle, 4: RoleVehicle,
		5: RoleVehicle, 6: RoleVehicle, 7: RoleVehicle, 8: RoleVehicle, 9: RoleVehicle,
		10: RolePerson,
		11: RoleHelmet,
		12: RoleSignalerHat,
	},
	required: []Role{RoleVehicle, RolePerson, RoleHelmet},
	minConf:  0.3,
	build:    newProximity,
}

// Proximity tracks workers and vehicles and flags workers standing too
// close to moving equipment. Drivers and signalers are exempt.
type Proximity struct {
	base
	history   *tracking.History
	evaluator *proximity.Evaluator
	privacy   *privacy.Filter
	minFrames int
}

func newProximity(b base, opts Options) (Engine, error) {
	ev := proximity.NewEvaluator(opts.Homography)
	if p := opts.Proximity; p.DangerDistance > 0 {
		ev.DangerDistance = p.DangerDistance
	}
	if p := opts.Proximity; p.MinHistory > 0 {
		ev.MinHistory = p.MinHistory
	}
	if p := opts.Proximity; p.MinSpread > 0 {
		ev.MinSpread = p.MinSpread
	}
	if p := opts.Proximity; p.MovingThreshold > 0 {
		ev.MovingThreshold = p.MovingThreshold
	}
	ev.RequireMoving = opts.Proximity.RequireMoving

	return &Proximity{
		base:      b,
		history:   opts.History,
		evaluator: ev,
		privacy:   opts.Privacy,
		minFrames: opts.MinTrackFrames,
	}, nil
}

type stableTrack struct {
	det     detection.Detection
	history []detection.Box
}

// workerRole is how a person on site relates to the machinery
type workerRole int

const (
	roleWorker workerRole = iota
	roleDriver
	roleSignaler
)

func (e *Proximity) isDriver(center geometry.Point, person detection.Box, arms, grabs []detection.Box) bool {
	for _, a := range arms {
		if a.Y1-driverMargin < center.Y && center.Y < a.Y2+driverMargin {
			return true
		}
	}
	for _, g := range grabs {
		_, gy := g.Center()
		if center.Y < gy || g.Y2 > person.Y1 {
			return true
		}
	}
	return false
}

func (e *Proximity) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	stream := streamID(frame)
	byRole := e.split(dets)
	r := newResult()

	// Only tracks seen often enough take part
	stable := func(role Role) []stableTrack {
		var out []stableTrack
		for _, d := range byRole[role] {
			if !d.HasTrack() {
				continue
			}
			e.history.Update(stream, d.TrackID, d.Box)
			if !e.history.HasSufficientHistory(stream, d.TrackID, e.minFrames) {
				continue
			}
			out = append(out, stableTrack{det: d, history: e.history.Get(stream, d.TrackID)})
		}
		return out
	}

	vehicles := stable(RoleVehicle)
	workers := stable(RolePerson)
	arms := boxes(byRole[RoleCraneArm])
	grabs := boxes(byRole[RoleGrabCrane])
	helmets := boxes(byRole[RoleHelmet])
	signalerHats := boxes(byRole[RoleSignalerHat])

	for _, v := range vehicles {
		name, ok := VehicleNames[v.det.ClassID]
		if !ok {
			name = "Vehicle"
		}
		overlay.BoxLabel(img, v.det.Box, fmt.Sprintf("%s_id:%d", name, v.det.TrackID), overlay.Green)
	}
	for _, h := range helmets {
		overlay.Rect(img, h, overlay.Green, overlay.DefaultThickness)
	}
	for _, h := range signalerHats {
		overlay.Rect(img, h, overlay.Cyan, overlay.DefaultThickness)
	}

	var exposed []detection.Box
	for _, w := range workers {
		box := w.det.Box
		center := geometry.Center(box)

		role := roleWorker
		switch {
		case helmet.HasHelmet(box, signalerHats, helmet.DefaultOffset):
			role = roleSignaler
		case e.isDriver(center, box, arms, grabs):
			role = roleDriver
		}
		has := helmet.HasHelmet(box, helmets, helmet.DefaultOffset)

		var label string
		c := overlay.Green
		switch role {
		case roleSignaler:
			label, c = "Signaler", overlay.Cyan
		case roleDriver:
			if has {
				label, c = "Driver with helmet", overlay.Orange
			} else {
				label, c = "Driver without helmet", overlay.Red
			}
		default:
			label, c = helmetLabel(has)
		}
		label = fmt.Sprintf("%s_id:%d", label, w.det.TrackID)

		e.privacy.Apply(img, box, label)
		overlay.BoxLabel(img, box, label, c)
		r.person(box)

		if role == roleWorker {
			exposed = append(exposed, box)
		}
	}

	for _, w := range exposed {
		for _, v := range vehicles {
			res := e.evaluator.Evaluate(w, v.history)
			if res.Skipped {
				continue
			}

			c := overlay.Green
			if res.Danger {
				c = overlay.Red
				r.add(ReasonProximity)
				overlay.Label(img, int(w.X1), int(w.Y1)-24, fmt.Sprintf("ALERT: %.2fm", res.Distance), c)
			}
			overlay.Distance(img, toPixel(res.WorkerPoint), toPixel(res.VehiclePoint), res.Distance, c)
		}
	}

	banner(frame, r)
	return r.verdict()
}

// Cleanup drops the stream's tracks
func (e *Proximity) Cleanup(streamID string) {
	e.history.Cleanup(streamID)
}

func toPixel(p geometry.Point) image.Point {
	return image.Point{X: int(p.X), Y: int(p.Y)}
}
