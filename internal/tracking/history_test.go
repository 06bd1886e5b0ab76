package tracking

import (
	"sync"
	"testing"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

func box(x float64) detection.Box {
	return detection.Box{X1: x, Y1: 0, X2: x + 10, Y2: 10}
}

func TestHistory_FIFOEviction(t *testing.T) {
	h := NewHistory(5)

	for i := 0; i < 6; i++ {
		h.Update("cam1", 1, box(float64(i)))
	}

	got := h.Get("cam1", 1)
	if len(got) != 5 {
		t.Fatalf("Expected 5 boxes, got %d", len(got))
	}
	if got[0].X1 != 1 {
		t.Errorf("Expected oldest box to be evicted, first X1 is %f", got[0].X1)
	}
	if got[4].X1 != 5 {
		t.Errorf("Expected newest box last, got X1 %f", got[4].X1)
	}
}

func TestHistory_NeverExceedsBound(t *testing.T) {
	h := NewHistory(DefaultMaxHistory)
	for i := 0; i < 100; i++ {
		h.Update("cam1", 7, box(float64(i)))
		if n := h.Len("cam1", 7); n > DefaultMaxHistory {
			t.Fatalf("History length %d exceeds %d", n, DefaultMaxHistory)
		}
	}
}

func TestHistory_UnknownKeys(t *testing.T) {
	h := NewHistory(0)

	if got := h.Get("missing", 1); len(got) != 0 {
		t.Errorf("Expected empty history, got %d", len(got))
	}
	if h.HasSufficientHistory("missing", 1, DefaultMinFrames) {
		t.Error("Expected insufficient history for unknown stream")
	}
	if h.MaxHistory() != DefaultMaxHistory {
		t.Errorf("Expected default capacity %d, got %d", DefaultMaxHistory, h.MaxHistory())
	}
}

func TestHistory_HasSufficientHistory(t *testing.T) {
	h := NewHistory(10)
	h.Update("cam1", 1, box(0))
	h.Update("cam1", 1, box(1))

	if h.HasSufficientHistory("cam1", 1, 3) {
		t.Error("Expected 2 frames to be insufficient")
	}

	h.Update("cam1", 1, box(2))
	if !h.HasSufficientHistory("cam1", 1, 3) {
		t.Error("Expected 3 frames to be sufficient")
	}
}

func TestHistory_GetReturnsCopy(t *testing.T) {
	h := NewHistory(10)
	h.Update("cam1", 1, box(0))

	got := h.Get("cam1", 1)
	got[0].X1 = 999

	if h.Get("cam1", 1)[0].X1 != 0 {
		t.Error("Expected stored history to be unaffected by caller mutation")
	}
}

func TestHistory_Cleanup(t *testing.T) {
	h := NewHistory(10)
	h.Update("cam1", 1, box(0))
	h.Update("cam1", 2, box(0))
	h.Update("cam2", 1, box(0))

	h.Cleanup("cam1")

	if h.TrackCount("cam1") != 0 {
		t.Errorf("Expected no tracks for cam1, got %d", h.TrackCount("cam1"))
	}
	if h.Len("cam2", 1) != 1 {
		t.Error("Expected cam2 to be untouched")
	}

	// Cleaning an unknown stream is a no-op
	h.Cleanup("never-seen")
}

func TestHistory_ConcurrentStreams(t *testing.T) {
	h := NewHistory(30)
	var wg sync.WaitGroup

	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h.Update(stream, i%5, box(float64(i)))
				_ = h.Get(stream, i%5)
				if i%50 == 0 {
					h.Cleanup(stream)
				}
			}
		}(string(rune('a' + s)))
	}
	wg.Wait()
}

func TestIsMoving(t *testing.T) {
	tests := []struct {
		name    string
		history []detection.Box
		want    bool
	}{
		{"too short", []detection.Box{box(0), box(100)}, false},
		{"stationary", repeat(box(50), 12), false},
		{"moving", append(repeat(box(0), 11), box(20)), true},
		{"exactly threshold", append(repeat(box(0), 11), box(10)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMoving(tt.history, DefaultMovingThreshold); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func repeat(b detection.Box, n int) []detection.Box {
	out := make([]detection.Box, n)
	for i := range out {
		out[i] = b
	}
	return out
}
