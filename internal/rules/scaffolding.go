package rules

import (
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/grouping"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

var scaffoldingDomain = domainDef{
	classes: ClassMap{
		1: RolePerson,
		2: RoleHelmet,
		3: RoleHook,
		4: RoleOpenedHatch,
		5: RoleClosedHatch,
	},
	required: []Role{RolePerson, RoleHelmet, RoleHook},
	minConf:  0.3,
	build: func(b base, _ Options) (Engine, error) {
		return &Scaffolding{base: b, padding: grouping.DefaultPadding}, nil
	},
}

// Scaffolding checks helmets, fall-arrest hooks and workers stacked above
// one another. When the class map includes scaffold boxes only workers
// fully inside one are grouped and counted against hooks.
type Scaffolding struct {
	base
	padding float64
}

func (e *Scaffolding) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	hooks := boxes(byRole[RoleHook])
	for _, h := range hooks {
		overlay.BoxLabel(img, h, "hook", overlay.DarkGreen)
	}
	helmets := boxes(byRole[RoleHelmet])
	for _, h := range helmets {
		overlay.BoxLabel(img, h, "Hard Hat", overlay.Green)
	}
	for _, h := range byRole[RoleOpenedHatch] {
		overlay.BoxLabel(img, h.Box, "opened_hatch", overlay.Red)
	}
	for _, h := range byRole[RoleClosedHatch] {
		overlay.BoxLabel(img, h.Box, "closed_hatch", overlay.Green)
	}

	persons := boxes(byRole[RolePerson])
	for _, p := range persons {
		has := helmet.HasHelmet(p, helmets, helmet.DefaultOffset)
		label, c := helmetLabel(has)
		overlay.BoxLabel(img, p, label, c)
		if !has {
			r.add(ReasonMissingHelmet)
		}
		r.person(p)
	}

	workers := persons
	if scaffolds := boxes(byRole[RoleScaffold]); len(scaffolds) > 0 {
		var inside []detection.Box
		for _, p := range persons {
			if grouping.InsideAny(p, scaffolds) {
				inside = append(inside, p)
			}
		}
		workers = inside
	}

	groups := grouping.VerticalGroups(workers)
	if len(groups) > 0 {
		r.add(ReasonSameVerticalArea)
		w, h := frame.Bounds()
		for _, g := range groups {
			area := grouping.Bounds(workers, g, e.padding, w, h)
			overlay.Rect(img, area, overlay.Red, 4)
			overlay.Label(img, int(area.X1), int(area.Y1)-10, "VERTICAL AREA VIOLATION", overlay.Red)
		}
	}

	if grouping.MissingHooks(len(workers), len(hooks)) > 0 {
		r.add(ReasonMissingHook)
	}

	banner(frame, r)
	return r.verdict()
}
