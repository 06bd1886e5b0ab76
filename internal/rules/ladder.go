package rules

import (
	"fmt"
	"math"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

const (
	// DefaultLadderHeight is the real height, in meters, a full ladder box spans
	DefaultLadderHeight = 2.0
	// DefaultUnsafeHeight is the height above which a lone worker is unsafe
	DefaultUnsafeHeight = 1.2
)

var ladderDomain = domainDef{
	classes: ClassMap{
		0: RoleLadderOutrigger,
		1: RoleLadderNoOutrigger,
		2: RoleWorkerHelmet,
		3: RoleWorkerNoHelmet,
	},
	required: []Role{RoleLadderOutrigger, RoleLadderNoOutrigger, RoleWorkerHelmet, RoleWorkerNoHelmet},
	minConf:  0.35,
	build: func(b base, _ Options) (Engine, error) {
		return &Ladder{
			base:         b,
			ladderHeight: DefaultLadderHeight,
			unsafeHeight: DefaultUnsafeHeight,
		}, nil
	},
}

// Ladder checks outriggers, helmets and how high the top worker stands.
// A worker above the unsafe height needs a co-worker on a ladder.
type Ladder struct {
	base
	ladderHeight float64
	unsafeHeight float64
}

type ladderWorker struct {
	det    detection.Detection
	helmet bool
}

// overlapsLadder reports whether either vertical edge of the worker falls
// within the ladder's span
func overlapsLadder(ladder, worker detection.Box) bool {
	return (ladder.X1 <= worker.X1 && worker.X1 <= ladder.X2) ||
		(ladder.X1 <= worker.X2 && worker.X2 <= ladder.X2)
}

// HeightOnLadder estimates how high a worker stands, from how far their
// feet are above the ladder's foot, rounded to centimeters
func HeightOnLadder(ladder, worker detection.Box, ladderHeight float64) (float64, bool) {
	h := ladder.Height()
	if h <= 0 {
		return 0, false
	}
	height := (ladder.Y2 - worker.Y2) / h * ladderHeight
	return math.Round(height*100) / 100, true
}

func (e *Ladder) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	byRole := e.split(dets)
	r := newResult()

	var ladders []detection.Box
	for _, d := range byRole[RoleLadderOutrigger] {
		overlay.BoxLabel(img, d.Box, fmtConf("ladder_with_outriggers", d.Confidence), overlay.DarkGreen)
		ladders = append(ladders, d.Box)
	}
	for _, d := range byRole[RoleLadderNoOutrigger] {
		overlay.BoxLabel(img, d.Box, fmtConf("ladder_without_outriggers", d.Confidence), overlay.Red)
		r.add(ReasonLadderNoOutrigger)
		ladders = append(ladders, d.Box)
	}

	var workers []ladderWorker
	for _, d := range byRole[RoleWorkerHelmet] {
		workers = append(workers, ladderWorker{det: d, helmet: true})
	}
	for _, d := range byRole[RoleWorkerNoHelmet] {
		workers = append(workers, ladderWorker{det: d})
		r.add(ReasonMissingHelmet)
	}

	highest := -1.0
	primary := -1
	pairs := 0
	onLadder := make(map[int]bool)
	for _, l := range ladders {
		for i, w := range workers {
			if !overlapsLadder(l, w.det.Box) {
				continue
			}
			height, ok := HeightOnLadder(l, w.det.Box, e.ladderHeight)
			if !ok {
				continue
			}
			pairs++
			onLadder[i] = true
			if height > highest {
				highest = height
				primary = i
			}
		}
	}
	coWorkers := 0
	if pairs > 0 {
		coWorkers = pairs - 1
	}

	for i, w := range workers {
		label := "worker_with_helmet"
		c := overlay.Green
		if !w.helmet {
			label = "worker_without_helmet"
			c = overlay.Red
		}
		if onLadder[i] && i != primary {
			label = "CO-" + label
			c = overlay.Cyan
		}
		overlay.BoxLabel(img, w.det.Box, fmtConf(label, w.det.Confidence), c)
		r.person(w.det.Box)
	}

	if highest >= e.unsafeHeight && coWorkers == 0 {
		r.add(ReasonUnsafeHeight)
	}

	banner(frame, r)
	if img != nil && highest >= 0 {
		overlay.Label(img, 40, 70, fmt.Sprintf("Height : %.2f m", highest), overlay.Blue)
	}
	return r.verdict()
}
