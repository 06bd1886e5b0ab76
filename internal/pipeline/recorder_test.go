package pipeline

import (
	"image"
	"testing"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func unsafeVerdict(reasons ...string) rules.Verdict {
	return rules.Verdict{
		Status:      rules.StatusUnsafe,
		Reasons:     reasons,
		PersonBoxes: []detection.Box{detection.NewBox(10, 10, 50, 120)},
	}
}

func newTestRecorder(clock *fakeClock) *Recorder {
	return NewRecorder(config.EventsConfig{
		UnsafeRatio:     0.7,
		FrameInterval:   10,
		CooldownSeconds: 60,
	}, clock.now)
}

// feed observes unsafe frames followed by safe ones and returns the last result
func feed(r *Recorder, unsafe, safe int, img *image.RGBA) (*Window, bool) {
	var (
		w  *Window
		ok bool
	)
	for i := 0; i < unsafe; i++ {
		w, ok = r.Observe(unsafeVerdict(rules.ReasonFire), img)
	}
	for i := 0; i < safe; i++ {
		w, ok = r.Observe(rules.SafeVerdict(), nil)
	}
	return w, ok
}

func TestRecorder_Threshold(t *testing.T) {
	tests := []struct {
		name   string
		unsafe int
		want   bool
	}{
		{"below threshold", 6, false},
		{"at threshold", 7, true},
		{"all unsafe", 10, true},
		{"all safe", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(1700000000, 0)}
			r := newTestRecorder(clock)

			_, ok := feed(r, tt.unsafe, 10-tt.unsafe, nil)
			if ok != tt.want {
				t.Errorf("Expected event %v, got %v", tt.want, ok)
			}
		})
	}
}

func TestRecorder_OnlyAtIntervalBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := newTestRecorder(clock)

	for i := 0; i < 9; i++ {
		if _, ok := r.Observe(unsafeVerdict(rules.ReasonFire), nil); ok {
			t.Fatalf("Expected no event before the interval closes, got one at frame %d", i+1)
		}
	}
	if _, ok := r.Observe(unsafeVerdict(rules.ReasonFire), nil); !ok {
		t.Error("Expected an event when the interval closes")
	}
}

func TestRecorder_CountersResetEachInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := newTestRecorder(clock)

	// 5 unsafe frames at the end of one interval and 5 at the start of the
	// next never add up
	feed(r, 0, 5, nil)
	if _, ok := feed(r, 5, 0, nil); ok {
		t.Fatal("Expected no event for half an interval")
	}
	if _, ok := feed(r, 5, 5, nil); ok {
		t.Error("Expected counters to reset at the boundary")
	}
}

func TestRecorder_Cooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := newTestRecorder(clock)

	if _, ok := feed(r, 10, 0, nil); !ok {
		t.Fatal("Expected first event")
	}

	clock.advance(30 * time.Second)
	if _, ok := feed(r, 10, 0, nil); ok {
		t.Error("Expected no event inside the cooldown")
	}

	clock.advance(60 * time.Second)
	if _, ok := feed(r, 10, 0, nil); !ok {
		t.Error("Expected an event after the cooldown")
	}
}

func TestRecorder_Window(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := newTestRecorder(clock)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	for i := 0; i < 4; i++ {
		r.Observe(unsafeVerdict(rules.ReasonSmoke), nil)
	}
	for i := 0; i < 4; i++ {
		r.Observe(unsafeVerdict(rules.ReasonFire, rules.ReasonSmoke), img)
	}
	r.Observe(rules.SafeVerdict(), nil)
	w, ok := r.Observe(rules.SafeVerdict(), nil)
	if !ok {
		t.Fatal("Expected an event")
	}

	if w.UnsafeFrames != 8 || w.TotalFrames != 10 {
		t.Errorf("Expected 8/10 unsafe frames, got %d/%d", w.UnsafeFrames, w.TotalFrames)
	}
	if w.Ratio() != 0.8 {
		t.Errorf("Expected ratio 0.8, got %v", w.Ratio())
	}
	if len(w.Reasons) != 2 || w.Reasons[0] != rules.ReasonFire || w.Reasons[1] != rules.ReasonSmoke {
		t.Errorf("Expected sorted union of reasons, got %v", w.Reasons)
	}
	if w.Image != img {
		t.Error("Expected the last unsafe frame's image")
	}
	if len(w.PersonBoxes) != 1 {
		t.Errorf("Expected person boxes of the last unsafe frame, got %v", w.PersonBoxes)
	}
	if !w.ClosedAt.Equal(clock.now()) {
		t.Errorf("Expected window closed at %v, got %v", clock.now(), w.ClosedAt)
	}
}

func TestNewRecorder_Defaults(t *testing.T) {
	r := NewRecorder(config.EventsConfig{}, nil)
	if r.interval != 30 {
		t.Errorf("Expected interval 30, got %d", r.interval)
	}
	if r.threshold != 0.7 {
		t.Errorf("Expected threshold 0.7, got %v", r.threshold)
	}
	if r.now == nil {
		t.Error("Expected a default clock")
	}
}
