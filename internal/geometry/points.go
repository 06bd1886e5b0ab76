package geometry

import (
	"math"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// Point is a 2D point in either image or world space
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Distance returns the Euclidean distance to another point
func (p Point) Distance(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// Center returns the center of a box
func Center(b detection.Box) Point {
	x, y := b.Center()
	return Point{X: x, Y: y}
}

// BottomCenter returns the ground contact point of a box
func BottomCenter(b detection.Box) Point {
	x, y := b.BottomCenter()
	return Point{X: x, Y: y}
}

// GroundEdges returns bottom-center, bottom-left and bottom-right, in that order
func GroundEdges(b detection.Box) [3]Point {
	return [3]Point{
		BottomCenter(b),
		{X: b.X1, Y: b.Y2},
		{X: b.X2, Y: b.Y2},
	}
}

// Polygon is a closed sequence of points
type Polygon []Point

// Contains reports whether pt is inside the polygon or on its boundary
func (p Polygon) Contains(pt Point) bool {
	if len(p) < 3 {
		return false
	}

	n := len(p)
	j := n - 1
	for i := 0; i < n; i++ {
		if onSegment(p[j], p[i], pt) {
			return true
		}
		j = i
	}

	// Ray casting
	inside := false
	j = n - 1
	for i := 0; i < n; i++ {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y

		if ((yi > pt.Y) != (yj > pt.Y)) &&
			(pt.X < (xj-xi)*(pt.Y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}

	return inside
}

func onSegment(a, b, p Point) bool {
	if math.Abs(cross(a, b, p)) > 1e-9 {
		return false
	}
	return p.X >= math.Min(a.X, b.X) && p.X <= math.Max(a.X, b.X) &&
		p.Y >= math.Min(a.Y, b.Y) && p.Y <= math.Max(a.Y, b.Y)
}
