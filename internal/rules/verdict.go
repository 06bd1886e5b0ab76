package rules

import (
	"sort"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// Status is the safety judgment of a frame
type Status string

const (
	StatusSafe   Status = "Safe"
	StatusUnsafe Status = "UnSafe"
)

// Violation reasons
const (
	ReasonMissingHelmet       = "missing_helmet"
	ReasonMissingHook         = "missing_hook"
	ReasonSameVerticalArea    = "same_vertical_area"
	ReasonMissingGuardrail    = "missing_guardrail"
	ReasonScaffoldNoOutrigger = "mobile_scaffold_no_outrigger"
	ReasonOvercrowdedScaffold = "overcrowded_scaffold"
	ReasonLadderNoOutrigger   = "ladder_without_outrigger"
	ReasonUnsafeHeight        = "unsafe_height"
	ReasonMissingExtinguisher = "missing_fire_extinguisher"
	ReasonMissingFireNet      = "missing_fire_net"
	ReasonFire                = "fire"
	ReasonSmoke               = "smoke"
	ReasonProximity           = "proximity_violation"
	ReasonIntrusion           = "intrusion"
)

// Verdict is the outcome of evaluating one frame
type Verdict struct {
	Status      Status          `json:"status"`
	Reasons     []string        `json:"reasons"`
	PersonBoxes []detection.Box `json:"person_boxes"`
}

// Unsafe reports whether the verdict flags a violation
func (v Verdict) Unsafe() bool {
	return v.Status == StatusUnsafe
}

// Normalize sorts and deduplicates the reasons, derives the status from
// them and replaces nil slices with empty ones
func (v Verdict) Normalize() Verdict {
	seen := make(map[string]struct{}, len(v.Reasons))
	reasons := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	boxes := v.PersonBoxes
	if boxes == nil {
		boxes = []detection.Box{}
	}

	status := StatusSafe
	if len(reasons) > 0 {
		status = StatusUnsafe
	}
	return Verdict{Status: status, Reasons: reasons, PersonBoxes: boxes}
}

// SafeVerdict returns a verdict with nothing to report
func SafeVerdict() Verdict {
	return Verdict{Status: StatusSafe, Reasons: []string{}, PersonBoxes: []detection.Box{}}
}

// result accumulates reasons and boxes while an engine runs
type result struct {
	reasons []string
	seen    map[string]struct{}
	persons []detection.Box
}

func newResult() *result {
	return &result{seen: make(map[string]struct{})}
}

func (r *result) add(reason string) {
	if _, ok := r.seen[reason]; ok {
		return
	}
	r.seen[reason] = struct{}{}
	r.reasons = append(r.reasons, reason)
}

func (r *result) person(b detection.Box) {
	r.persons = append(r.persons, b)
}

func (r *result) unsafe() bool {
	return len(r.reasons) > 0
}

// verdict returns the normalized verdict
func (r *result) verdict() Verdict {
	return Verdict{Reasons: r.reasons, PersonBoxes: r.persons}.Normalize()
}
