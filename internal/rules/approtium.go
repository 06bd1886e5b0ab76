package rules

import (
	"fmt"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/helmet"
	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

var approtiumDomain = domainDef{
	classes:  ClassMap{0: RolePerson, 1: RoleHelmet, 2: RoleHelmet},
	required: []Role{RolePerson, RoleHelmet},
	minConf:  0.6,
	build: func(b base, opts Options) (Engine, error) {
		return &Approtium{
			base:      b,
			history:   opts.History,
			helmets:   opts.Helmets,
			minBox:    opts.MinBox,
			minFrames: opts.MinTrackFrames,
		}, nil
	},
}

// Approtium judges helmets over time for tracked workers. Boxes too small
// to judge are marked as distant, and untracked people are judged per frame.
type Approtium struct {
	base
	history   *tracking.History
	helmets   *helmet.Compliance
	minBox    MinBox
	minFrames int
}

func (e *Approtium) Evaluate(frame *detection.Frame, dets []detection.Detection) Verdict {
	img := canvas(frame)
	stream := streamID(frame)
	byRole := e.split(dets)
	r := newResult()

	helmets := boxes(byRole[RoleHelmet])
	for _, h := range helmets {
		overlay.BoxLabel(img, h, "helmet", overlay.Yellow)
	}

	for _, p := range byRole[RolePerson] {
		r.person(p.Box)
		has := helmet.HasHelmet(p.Box, helmets, helmet.DefaultOffset)

		if !p.HasTrack() {
			label, c := helmetLabel(has)
			overlay.BoxLabel(img, p.Box, label, c)
			if !has {
				r.add(ReasonMissingHelmet)
			}
			continue
		}

		id := p.TrackID
		e.history.Update(stream, id, p.Box)

		if !helmet.BoxLargeEnough(p.Box, e.minBox.Width, e.minBox.Height, e.minBox.Area) {
			overlay.BoxLabel(img, p.Box, fmt.Sprintf("Too distant_id:%d", id), overlay.Yellow)
			continue
		}

		e.helmets.Update(stream, id, has)
		if !e.history.HasSufficientHistory(stream, id, e.minFrames) {
			overlay.BoxLabel(img, p.Box, fmt.Sprintf("Worker_id:%d", id), overlay.Blue)
			continue
		}

		violation := e.helmets.IsViolation(stream, id)
		label, c := helmetLabel(!violation)
		overlay.BoxLabel(img, p.Box, fmt.Sprintf("%s_id:%d", label, id), c)
		if violation {
			r.add(ReasonMissingHelmet)
		}
	}

	banner(frame, r)
	return r.verdict()
}

// Cleanup drops the stream's tracks and helmet records
func (e *Approtium) Cleanup(streamID string) {
	e.history.Cleanup(streamID)
	e.helmets.Cleanup(streamID)
}
