package privacy

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// checkerboard fills the image with alternating black and white pixels
func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestBlur_OnlyTopRegion(t *testing.T) {
	img := checkerboard(100, 100)
	orig := checkerboard(100, 100)

	Blur(img, detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 60}, 0.4, 7)

	// Top 40% of a 50px box is rows 10..29
	inside := img.RGBAAt(30, 20)
	if inside.R == 0 || inside.R == 255 {
		t.Errorf("Expected blurred pixel to be grey, got %d", inside.R)
	}

	for _, p := range []image.Point{{30, 35}, {5, 5}, {60, 20}, {30, 9}} {
		if img.RGBAAt(p.X, p.Y) != orig.RGBAAt(p.X, p.Y) {
			t.Errorf("Expected pixel %v outside region to be unchanged", p)
		}
	}
}

func TestBlur_SmoothsRegion(t *testing.T) {
	img := checkerboard(60, 60)
	Blur(img, detection.Box{X1: 0, Y1: 0, X2: 60, Y2: 60}, 0.5, 7)

	// Away from the region edge a blurred checkerboard is mid grey
	for _, p := range []image.Point{{20, 10}, {30, 15}, {41, 20}} {
		c := img.RGBAAt(p.X, p.Y)
		if c.R < 96 || c.R > 160 {
			t.Errorf("Expected pixel %v near mid grey, got %d", p, c.R)
		}
		if c.A != 255 {
			t.Errorf("Expected pixel %v to stay opaque, got alpha %d", p, c.A)
		}
	}
}

func TestSigma(t *testing.T) {
	tests := []struct {
		kernel int
		want   float64
	}{
		{7, 2},
		{5, 1.414},
		{1, 0.5},
		{0, 0.5},
	}

	for _, tt := range tests {
		if got := Sigma(tt.kernel); math.Abs(got-tt.want) > 0.001 {
			t.Errorf("Sigma(%d): Expected %.3f, got %.3f", tt.kernel, tt.want, got)
		}
	}
}

func TestBlur_Degenerate(t *testing.T) {
	tests := []struct {
		name string
		box  detection.Box
	}{
		{"zero width", detection.Box{X1: 10, Y1: 10, X2: 10, Y2: 50}},
		{"zero height", detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 10}},
		{"too short for ratio", detection.Box{X1: 10, Y1: 10, X2: 50, Y2: 12}},
		{"outside image", detection.Box{X1: 200, Y1: 200, X2: 250, Y2: 300}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := checkerboard(100, 100)
			orig := checkerboard(100, 100)
			Blur(img, tt.box, 0.4, 7)
			for i := range img.Pix {
				if img.Pix[i] != orig.Pix[i] {
					t.Fatal("Expected image to be unchanged")
				}
			}
		})
	}

	// nil image must not panic
	Blur(nil, detection.Box{X2: 10, Y2: 10}, 0.4, 7)
}

func TestBlur_ClipsToImage(t *testing.T) {
	img := checkerboard(40, 40)
	Blur(img, detection.Box{X1: -20, Y1: -10, X2: 20, Y2: 90}, 0.4, 5)

	if c := img.RGBAAt(0, 0); c.R == 0 || c.R == 255 {
		t.Errorf("Expected corner to be blurred, got %d", c.R)
	}
}

func TestFilter_ShouldBlur(t *testing.T) {
	f := NewFilter()

	tests := []struct {
		label string
		want  bool
	}{
		{"Worker with helmet_id:5", true},
		{"Driver without helmet_id:3", true},
		{"Signaler with helmet_id:1", true},
		{"Vehicle_id:10", false},
		{"worker", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := f.ShouldBlur(tt.label); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	custom := &Filter{Roles: []string{"Technician"}}
	if !custom.ShouldBlur("Technician_id:2") {
		t.Error("Expected custom role to be blurred")
	}
	if custom.ShouldBlur("Worker_id:2") {
		t.Error("Expected default roles to be replaced")
	}
}

func TestFilter_Apply(t *testing.T) {
	f := NewFilter()
	img := checkerboard(50, 50)
	box := detection.Box{X1: 0, Y1: 0, X2: 40, Y2: 40}

	if f.Apply(img, box, "Excavator_id:1") {
		t.Error("Expected vehicles to be left alone")
	}
	if !f.Apply(img, box, "Worker_id:1") {
		t.Error("Expected worker to be blurred")
	}
	if f.Apply(nil, box, "Worker_id:1") {
		t.Error("Expected nil image to be skipped")
	}
}
