package geometry

import "math"

// Circle is a center and radius
type Circle struct {
	Center Point
	Radius float64
}

func (c Circle) contains(p Point) bool {
	return c.Center.Distance(p) <= c.Radius+1e-7
}

// MinEnclosingCircle returns the smallest circle containing every point.
// Incremental Welzl; inputs here are short track histories.
func MinEnclosingCircle(pts []Point) Circle {
	if len(pts) == 0 {
		return Circle{}
	}

	c := Circle{Center: pts[0]}
	for i := 1; i < len(pts); i++ {
		if c.contains(pts[i]) {
			continue
		}
		c = Circle{Center: pts[i]}
		for j := 0; j < i; j++ {
			if c.contains(pts[j]) {
				continue
			}
			c = circleFrom2(pts[i], pts[j])
			for k := 0; k < j; k++ {
				if !c.contains(pts[k]) {
					c = circleFrom3(pts[i], pts[j], pts[k])
				}
			}
		}
	}
	return c
}

// UniquePoints removes exact duplicates, keeping first occurrence order
func UniquePoints(pts []Point) []Point {
	seen := make(map[Point]struct{}, len(pts))
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func circleFrom2(a, b Point) Circle {
	center := Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
	return Circle{Center: center, Radius: center.Distance(a)}
}

func circleFrom3(a, b, c Point) Circle {
	d := 2 * (a.X*(b.Y-c.Y) + b.X*(c.Y-a.Y) + c.X*(a.Y-b.Y))
	if math.Abs(d) < 1e-12 {
		// Collinear: the widest pair spans the others
		best := circleFrom2(a, b)
		for _, cand := range []Circle{circleFrom2(a, c), circleFrom2(b, c)} {
			if cand.Radius > best.Radius {
				best = cand
			}
		}
		return best
	}

	a2 := a.X*a.X + a.Y*a.Y
	b2 := b.X*b.X + b.Y*b.Y
	c2 := c.X*c.X + c.Y*c.Y
	center := Point{
		X: (a2*(b.Y-c.Y) + b2*(c.Y-a.Y) + c2*(a.Y-b.Y)) / d,
		Y: (a2*(c.X-b.X) + b2*(a.X-c.X) + c2*(b.X-a.X)) / d,
	}
	return Circle{Center: center, Radius: center.Distance(a)}
}
