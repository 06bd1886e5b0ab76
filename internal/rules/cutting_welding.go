package rules

import (
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

var cuttingWeldingDomain = domainDef{
	classes: ClassMap{
		0: RoleSaw,
		1: RoleExtinguisher,
		2: RoleFireNet,
		3: RoleHelmet,
		5: RolePerson,
	},
	required: []Role{RoleSaw, RoleExtinguisher, RoleFireNet, RoleHelmet, RolePerson},
	minConf:  0.6,
	build: func(b base, _ Options) (Engine, error) {
		return &CuttingWelding{base: b}, nil
	},
}

// CuttingWelding requires an extinguisher on site, a fire net while a saw
// is in use, and helmets on every person
type CuttingWelding struct {
	base
}

// helmetStrict is the hot-work helmet match: the helmet's whole-pixel center
// must lie strictly inside the person's span
func helmetStrict(person detection.Box, helmets []detection.Box) bool {
	for _, h := range helmets {
		cx := float64(int((h.X1 + h.X2) / 2))
		if cx > person.X1 && cx < person.X2 && h.Y1 >= person.Y1-helmet.DefaultOffset {
			return true
		}
	}
	return false
}

func (e *CuttingWelding) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	for _, d := range byRole[RoleSaw] {
		overlay.BoxLabel(img, d.Box, fmtConf("Saw", d.Confidence), overlay.Orange)
	}
	for _, d := range byRole[RoleExtinguisher] {
		overlay.BoxLabel(img, d.Box, fmtConf("Fire Extinguisher", d.Confidence), overlay.Green)
	}
	for _, d := range byRole[RoleFireNet] {
		overlay.BoxLabel(img, d.Box, fmtConf("Fire Prevention Net", d.Confidence), overlay.Green)
	}
	helmets := boxes(byRole[RoleHelmet])
	for _, h := range byRole[RoleHelmet] {
		overlay.BoxLabel(img, h.Box, fmtConf("Hard Hat", h.Confidence), overlay.Green)
	}

	for _, p := range byRole[RolePerson] {
		has := helmetStrict(p.Box, helmets)
		label, c := helmetLabel(has)
		overlay.BoxLabel(img, p.Box, label, c)
		if !has {
			r.add(ReasonMissingHelmet)
		}
		r.person(p.Box)
	}

	if len(byRole[RoleExtinguisher]) == 0 {
		r.add(ReasonMissingExtinguisher)
	}
	if len(byRole[RoleSaw]) > 0 && len(byRole[RoleFireNet]) == 0 {
		r.add(ReasonMissingFireNet)
	}

	banner(frame, r)
	return r.verdict()
}
