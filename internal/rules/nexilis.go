package rules

import (
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/proximity"
)

var nexilisDomain = domainDef{
	classes:   ClassMap{0: RoleVehicle, 1: RolePerson},
	required:  []Role{RoleVehicle, RolePerson},
	minConf:   0.4,
	inclusive: true,
	build: func(b base, opts Options) (Engine, error) {
		scale := proximity.NewPixelScale()
		if opts.PixelsPerMeter > 0 {
			scale.PixelsPerMeter = opts.PixelsPerMeter
		}
		if opts.Proximity.DangerDistance > 0 {
			scale.DangerDistance = opts.Proximity.DangerDistance
		}
		return &NexilisProximity{base: b, scale: scale}, nil
	},
}

// NexilisProximity flags workers near forklifts on a fixed pixel scale,
// for cameras without ground-plane calibration
type NexilisProximity struct {
	base
	scale proximity.PixelScale
}

func (e *NexilisProximity) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	forklifts := boxes(byRole[RoleVehicle])
	for _, f := range forklifts {
		overlay.BoxLabel(img, f, "forklift", overlay.Green)
	}

	for _, w := range boxes(byRole[RolePerson]) {
		inDanger := false
		for _, f := range forklifts {
			res := e.scale.Evaluate(w, f)
			c := overlay.Green
			if res.Danger {
				inDanger = true
				c = overlay.Red
			}
			overlay.Distance(img, toPixel(res.WorkerPoint), toPixel(res.VehiclePoint), res.Distance, c)
		}

		c := overlay.Blue
		if inDanger {
			c = overlay.Red
			r.add(ReasonProximity)
		}
		overlay.BoxLabel(img, w, "worker", c)
		r.person(w)
	}

	banner(frame, r)
	return r.verdict()
}
