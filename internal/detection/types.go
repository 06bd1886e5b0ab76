// Package detection provides the detector-facing types consumed by the rule engines
package detection

import (
	"image"
	"math"
	"time"
)

// Box is an axis-aligned rectangle in pixel space
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// NewBox returns a box with its corners ordered
func NewBox(x1, y1, x2, y2 float64) Box {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Width returns the box width
func (b Box) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the box height
func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box
func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

// Center returns the center point of the box
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// BottomCenter returns the middle of the bottom edge
func (b Box) BottomCenter() (float64, float64) {
	return (b.X1 + b.X2) / 2, b.Y2
}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// Within reports whether b lies entirely inside outer
func (b Box) Within(outer Box) bool {
	return b.X1 >= outer.X1 && b.Y1 >= outer.Y1 && b.X2 <= outer.X2 && b.Y2 <= outer.Y2
}

// Intersects checks if two boxes intersect
func (b Box) Intersects(other Box) bool {
	return !(b.X2 < other.X1 ||
		other.X2 < b.X1 ||
		b.Y2 < other.Y1 ||
		other.Y2 < b.Y1)
}

// IoU calculates Intersection over Union with another box
func (b Box) IoU(other Box) float64 {
	x1 := math.Max(b.X1, other.X1)
	y1 := math.Max(b.Y1, other.Y1)
	x2 := math.Min(b.X2, other.X2)
	y2 := math.Min(b.Y2, other.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := b.Area() + other.Area() - intersection
	if union == 0 {
		return 0
	}
	return intersection / union
}

// Rect converts the box to integer pixel coordinates, truncating like the detector does
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Truncate drops the fractional part of every coordinate
func (b Box) Truncate() Box {
	return Box{
		X1: math.Trunc(b.X1),
		Y1: math.Trunc(b.Y1),
		X2: math.Trunc(b.X2),
		Y2: math.Trunc(b.Y2),
	}
}

// Detection is a single detector output for one frame
type Detection struct {
	Box        Box     `json:"box"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	TrackID    int     `json:"track_id,omitempty"`
	Tracked    bool    `json:"tracked"`
}

// HasTrack reports whether the detector assigned a stable track id
func (d Detection) HasTrack() bool {
	return d.Tracked && d.TrackID >= 0
}

// Frame is a video frame handed to the rule engines
type Frame struct {
	StreamID  string
	Timestamp time.Time
	FrameID   int64
	Image     *image.RGBA // nil when only detections were received
	Width     int
	Height    int
}

// Bounds returns the frame size, preferring the image when present
func (f *Frame) Bounds() (int, int) {
	if f == nil {
		return 0, 0
	}
	if f.Image != nil {
		b := f.Image.Bounds()
		return b.Dx(), b.Dy()
	}
	return f.Width, f.Height
}
