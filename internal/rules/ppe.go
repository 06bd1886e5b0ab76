package rules

import (
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

var ppeDomain = domainDef{
	classes:  ClassMap{1: RoleHelmet, 2: RolePerson},
	required: []Role{RolePerson, RoleHelmet},
	minConf:  0.6,
	build:    newPPE,
}

var heavyEquipmentDomain = domainDef{
	classes:  ClassMap{10: RolePerson, 11: RoleHelmet, 12: RoleHelmet},
	required: []Role{RolePerson, RoleHelmet},
	minConf:  0.4,
	build:    newPPE,
}

// PPE flags every person without a helmet on their head
type PPE struct {
	base
}

func newPPE(b base, _ Options) (Engine, error) {
	return &PPE{base: b}, nil
}

func (e *PPE) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	helmets := boxes(byRole[RoleHelmet])
	for _, h := range helmets {
		overlay.Rect(img, h, overlay.Green, overlay.DefaultThickness)
	}

	for _, p := range byRole[RolePerson] {
		has := helmet.HasHelmet(p.Box, helmets, helmet.DefaultOffset)
		label, c := helmetLabel(has)
		overlay.BoxLabel(img, p.Box, label, c)
		if !has {
			r.add(ReasonMissingHelmet)
		}
		r.person(p.Box)
	}

	banner(frame, r)
	return r.verdict()
}
