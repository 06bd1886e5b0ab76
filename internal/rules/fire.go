package rules

import (
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

var fireDomain = domainDef{
	classes:  ClassMap{0: RoleFire, 1: RoleSmoke},
	required: []Role{RoleFire, RoleSmoke},
	minConf:  0.4,
	build: func(b base, _ Options) (Engine, error) {
		return &Fire{base: b}, nil
	},
}

// Fire raises a violation for any fire or smoke in view
type Fire struct {
	base
}

func (e *Fire) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	for _, d := range byRole[RoleFire] {
		overlay.BoxLabel(img, d.Box, fmtConf("Fire", d.Confidence), overlay.Red)
		r.add(ReasonFire)
	}
	for _, d := range byRole[RoleSmoke] {
		overlay.BoxLabel(img, d.Box, fmtConf("Smoke", d.Confidence), overlay.Orange)
		r.add(ReasonSmoke)
	}

	banner(frame, r)
	return r.verdict()
}
