package pipeline

import (
	"image"
	"sort"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

// Window is a closed frame interval that crossed the unsafe threshold
type Window struct {
	UnsafeFrames int
	TotalFrames  int
	Reasons      []string
	// PersonBoxes and Image come from the last unsafe frame of the window
	PersonBoxes []detection.Box
	Image       *image.RGBA
	ClosedAt    time.Time
}

// Ratio returns the share of unsafe frames
func (w *Window) Ratio() float64 {
	if w.TotalFrames == 0 {
		return 0
	}
	return float64(w.UnsafeFrames) / float64(w.TotalFrames)
}

// Recorder counts the unsafe verdicts of one stream and decides when a
// violation event is raised. It is not safe for concurrent use.
type Recorder struct {
	interval  int
	threshold float64
	cooldown  time.Duration
	now       func() time.Time

	frames    int
	unsafe    int
	reasons   map[string]struct{}
	boxes     []detection.Box
	image     *image.RGBA
	lastEvent time.Time
}

// NewRecorder creates a recorder from the event settings
func NewRecorder(cfg config.EventsConfig, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = 30
	}
	threshold := cfg.UnsafeRatio
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Recorder{
		interval:  interval,
		threshold: threshold,
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		now:       now,
		reasons:   make(map[string]struct{}),
	}
}

// Observe counts one verdict. At every interval boundary the counters are
// reset, and a Window is returned when the unsafe share reached the
// threshold and the cooldown since the previous event has passed.
func (r *Recorder) Observe(v rules.Verdict, img *image.RGBA) (*Window, bool) {
	r.frames++
	if v.Unsafe() {
		r.unsafe++
		for _, reason := range v.Reasons {
			r.reasons[reason] = struct{}{}
		}
		r.boxes = v.PersonBoxes
		if img != nil {
			r.image = img
		}
	}

	if r.frames < r.interval {
		return nil, false
	}
	defer r.reset()

	ratio := float64(r.unsafe) / float64(r.interval)
	if ratio < r.threshold {
		return nil, false
	}
	now := r.now()
	if !r.lastEvent.IsZero() && now.Sub(r.lastEvent) <= r.cooldown {
		return nil, false
	}
	r.lastEvent = now

	reasons := make([]string, 0, len(r.reasons))
	for reason := range r.reasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	return &Window{
		UnsafeFrames: r.unsafe,
		TotalFrames:  r.frames,
		Reasons:      reasons,
		PersonBoxes:  r.boxes,
		Image:        r.image,
		ClosedAt:     now,
	}, true
}

func (r *Recorder) reset() {
	r.frames = 0
	r.unsafe = 0
	r.reasons = make(map[string]struct{})
	r.boxes = nil
	r.image = nil
}
