// Package privacy redacts the face region of people shown in annotated frames
package privacy

import (
	"image"
	"image/draw"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

const (
	DefaultRatio  = 0.4
	DefaultKernel = 7
)

// DefaultRoles are the label prefixes whose faces are blurred
var DefaultRoles = []string{"Worker", "Driver", "Signaler"}

// Region returns the top ratio of the box in integer pixels, clipped to bounds.
// The result is empty when there is nothing to blur.
func Region(bounds image.Rectangle, box detection.Box, ratio float64) image.Rectangle {
	r := box.Rect()
	h := int(ratio * float64(r.Dy()))
	r.Max.Y = r.Min.Y + h
	return r.Intersect(bounds)
}

// Blur applies an in-place Gaussian blur, matched to a box blur of width
// kernel, to the top ratio of box. Samples outside the region clamp to its edge.
// Degenerate regions leave the image untouched.
func Blur(img *image.RGBA, box detection.Box, ratio float64, kernel int) {
	if img == nil {
		return
	}
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	if kernel <= 0 {
		kernel = DefaultKernel
	}

	r := Region(img.Bounds(), box, ratio)
	if r.Empty() {
		return
	}

	face := imaging.Blur(imaging.Crop(img, r), Sigma(kernel))
	draw.Draw(img, r, face, image.Point{}, draw.Src)
}

// Sigma returns the Gaussian sigma with the same variance as a box blur of
// width kernel
func Sigma(kernel int) float64 {
	if kernel < 2 {
		return 0.5
	}
	k := float64(kernel)
	return math.Sqrt((k*k - 1) / 12)
}

// Filter decides which labelled boxes get their faces blurred
type Filter struct {
	Roles  []string
	Ratio  float64
	Kernel int
}

// NewFilter returns a filter with the default roles and blur parameters
func NewFilter() *Filter {
	return &Filter{
		Roles:  DefaultRoles,
		Ratio:  DefaultRatio,
		Kernel: DefaultKernel,
	}
}

// ShouldBlur reports whether the label starts with an allowed role
func (f *Filter) ShouldBlur(label string) bool {
	roles := f.Roles
	if roles == nil {
		roles = DefaultRoles
	}
	for _, role := range roles {
		if strings.HasPrefix(label, role) {
			return true
		}
	}
	return false
}

// Apply blurs box when its label is on the allow-list
func (f *Filter) Apply(img *image.RGBA, box detection.Box, label string) bool {
	if img == nil || !f.ShouldBlur(label) {
		return false
	}
	Blur(img, box, f.Ratio, f.Kernel)
	return true
}
