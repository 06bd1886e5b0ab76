package helmet

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func TestCompliance_SustainedAbsence(t *testing.T) {
	clock := newFakeClock()
	c := NewCompliance(Config{
		Window:              90,
		ConfidenceThreshold: 0.2,
		MaxMissingFrames:    5,
		GracePeriod:         5 * time.Second,
	}, WithClock(clock.Now))

	for i := 0; i < 50; i++ {
		c.Update("cam1", 1, false)
	}

	if !c.IsViolation("cam1", 1) {
		t.Error("Expected violation after 50 missing readings with no prior safe state")
	}
}

func TestCompliance_InsufficientReadings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		c := NewCompliance(Config{MaxMissingFrames: 10, ConfidenceThreshold: 0.9})
		n := rng.Intn(10)
		for i := 0; i < n; i++ {
			c.Update("cam1", 3, rng.Intn(2) == 0)
			if c.IsViolation("cam1", 3) {
				t.Fatalf("Expected no violation with %d readings", i+1)
			}
		}
	}
}

func TestCompliance_GracePeriod(t *testing.T) {
	clock := newFakeClock()
	c := NewCompliance(Config{
		Window:              10,
		ConfidenceThreshold: 0.2,
		MaxMissingFrames:    5,
		GracePeriod:         5 * time.Second,
	}, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		c.Update("cam1", 1, true)
	}
	if c.IsViolation("cam1", 1) {
		t.Fatal("Expected compliant worker")
	}

	clock.Advance(time.Second)
	for i := 0; i < 10; i++ {
		c.Update("cam1", 1, false)
	}
	if c.IsViolation("cam1", 1) {
		t.Error("Expected violation to be suppressed inside the grace period")
	}

	clock.Advance(4 * time.Second)
	if !c.IsViolation("cam1", 1) {
		t.Error("Expected violation once the grace period elapsed")
	}
}

func TestCompliance_HelmetReturns(t *testing.T) {
	clock := newFakeClock()
	c := NewCompliance(Config{Window: 10, MaxMissingFrames: 5, GracePeriod: time.Second}, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		c.Update("cam1", 1, false)
	}
	if !c.IsViolation("cam1", 1) {
		t.Fatal("Expected violation")
	}

	c.Update("cam1", 1, true)
	if c.IsViolation("cam1", 1) {
		t.Error("Expected a fresh helmet sighting to break the missing streak")
	}
}

func TestCompliance_WindowBound(t *testing.T) {
	c := NewCompliance(Config{Window: 20})
	for i := 0; i < 100; i++ {
		c.Update("cam1", 1, i%2 == 0)
		if n := c.Readings("cam1", 1); n > 20 {
			t.Fatalf("Readings %d exceed window 20", n)
		}
	}
}

func TestCompliance_Cleanup(t *testing.T) {
	c := NewCompliance(Config{MaxMissingFrames: 1})
	c.Update("cam1", 1, false)
	c.Update("cam2", 1, false)

	c.Cleanup("cam1")

	if c.Readings("cam1", 1) != 0 {
		t.Error("Expected cam1 records to be removed")
	}
	if c.IsViolation("cam1", 1) {
		t.Error("Expected unknown worker to report no violation")
	}
	if c.Readings("cam2", 1) != 1 {
		t.Error("Expected cam2 records to survive")
	}
}

func TestCompliance_Defaults(t *testing.T) {
	cfg := NewCompliance(Config{}).Config()
	if cfg != DefaultConfig() {
		t.Errorf("Expected defaults %+v, got %+v", DefaultConfig(), cfg)
	}
}

func TestHasHelmet(t *testing.T) {
	person := detection.Box{X1: 100, Y1: 100, X2: 200, Y2: 300}

	tests := []struct {
		name    string
		helmets []detection.Box
		want    bool
	}{
		{"on head", []detection.Box{{X1: 120, Y1: 80, X2: 180, Y2: 120}}, true},
		{"none", nil, false},
		{"too high", []detection.Box{{X1: 120, Y1: 70, X2: 180, Y2: 90}}, false},
		{"beside", []detection.Box{{X1: 190, Y1: 100, X2: 230, Y2: 130}}, false},
		{"center on right edge", []detection.Box{{X1: 180, Y1: 100, X2: 220, Y2: 130}}, false},
		{"center on left edge", []detection.Box{{X1: 80, Y1: 100, X2: 120, Y2: 130}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasHelmet(person, tt.helmets, DefaultOffset); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBoxLargeEnough(t *testing.T) {
	if !BoxLargeEnough(detection.Box{X2: 20, Y2: 40}, DefaultMinBoxWidth, DefaultMinBoxHeight, DefaultMinBoxArea) {
		t.Error("Expected 20x40 box to qualify")
	}
	if BoxLargeEnough(detection.Box{X2: 10, Y2: 100}, DefaultMinBoxWidth, DefaultMinBoxHeight, DefaultMinBoxArea) {
		t.Error("Expected narrow box to be rejected")
	}
	if BoxLargeEnough(detection.Box{X2: 15, Y2: 29}, DefaultMinBoxWidth, DefaultMinBoxHeight, DefaultMinBoxArea) {
		t.Error("Expected short box to be rejected")
	}
}
