package rules

import (
	"fmt"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

// DefaultMaxScaffoldWorkers is the most workers allowed on mobile scaffolding
const DefaultMaxScaffoldWorkers = 2

var mobileScaffoldingDomain = domainDef{
	classes: ClassMap{
		0: RoleMissingGuardrail,
		1: RoleScaffoldNoOutrigger,
		2: RoleScaffoldOutrigger,
		3: RoleWorkerHelmet,
		4: RoleWorkerNoHelmet,
	},
	required: []Role{RoleMissingGuardrail, RoleScaffoldNoOutrigger, RoleScaffoldOutrigger, RoleWorkerHelmet, RoleWorkerNoHelmet},
	minConf:  0.6,
	build: func(b base, _ Options) (Engine, error) {
		return &MobileScaffolding{base: b, maxWorkers: DefaultMaxScaffoldWorkers}, nil
	},
}

// MobileScaffolding checks guardrails, outriggers, helmets and how many
// workers stand on the platform
type MobileScaffolding struct {
	base
	maxWorkers int
}

// onScaffold reports whether a worker's horizontal center lies within the
// scaffold's span and their vertical center is below the scaffold's
func onScaffold(scaffold, worker detection.Box) bool {
	wx, wy := worker.Center()
	_, sy := scaffold.Center()
	return wx >= scaffold.X1 && wx <= scaffold.X2 && wy > sy
}

func (e *MobileScaffolding) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	for _, d := range byRole[RoleMissingGuardrail] {
		overlay.BoxLabel(img, d.Box, fmtConf("Missing Guardrail", d.Confidence), overlay.Red)
		r.add(ReasonMissingGuardrail)
	}

	var scaffolds []detection.Box
	for _, d := range byRole[RoleScaffoldNoOutrigger] {
		overlay.BoxLabel(img, d.Box, fmtConf("mobile_scaffold_no_outrigger", d.Confidence), overlay.Red)
		r.add(ReasonScaffoldNoOutrigger)
		scaffolds = append(scaffolds, d.Box)
	}
	for _, d := range byRole[RoleScaffoldOutrigger] {
		overlay.BoxLabel(img, d.Box, fmtConf("mobile_scaffold_outrigger", d.Confidence), overlay.Green)
		scaffolds = append(scaffolds, d.Box)
	}

	var workers []detection.Box
	for _, d := range byRole[RoleWorkerHelmet] {
		overlay.BoxLabel(img, d.Box, fmtConf("worker_with_helmet", d.Confidence), overlay.DarkGreen)
		workers = append(workers, d.Box)
		r.person(d.Box)
	}
	for _, d := range byRole[RoleWorkerNoHelmet] {
		overlay.BoxLabel(img, d.Box, fmtConf("worker_without_helmet", d.Confidence), overlay.Red)
		r.add(ReasonMissingHelmet)
		workers = append(workers, d.Box)
		r.person(d.Box)
	}

	for _, s := range scaffolds {
		onboard := 0
		for _, w := range workers {
			if onScaffold(s, w) {
				onboard++
			}
		}
		if onboard > e.maxWorkers {
			r.add(ReasonOvercrowdedScaffold)
			overlay.BoxLabel(img, s, fmt.Sprintf("%d workers on scaffold", onboard), overlay.Red)
		}
	}

	banner(frame, r)
	return r.verdict()
}
