// Package geometry provides the image-plane to ground-plane projection used
// by the distance and intrusion rules, plus point extractors for boxes.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned when reference points cannot define a projection
var ErrDegenerate = errors.New("degenerate homography reference points")

const collinearEpsilon = 1e-9

// Default reference points for a stream without its own calibration
var (
	DefaultImagePoints = [4]Point{{500, 300}, {700, 300}, {750, 500}, {560, 600}}
	DefaultWorldPoints = [4]Point{{0, 0}, {2, 0}, {2, 4.5}, {0, 4.5}}
)

// Homography is an immutable 3x3 projective transform
type Homography struct {
	m [9]float64
}

// NewHomography solves the projective transform mapping each src point onto
// the dst point with the same index.
func NewHomography(src, dst [4]Point) (*Homography, error) {
	if hasCollinearTriple(src) || hasCollinearTriple(dst) {
		return nil, ErrDegenerate
	}

	// Eight equations in h00..h21 with h22 fixed to 1
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y

		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	hm := &Homography{}
	for i := 0; i < 8; i++ {
		hm.m[i] = h.AtVec(i)
	}
	hm.m[8] = 1

	for _, v := range hm.m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrDegenerate
		}
	}
	return hm, nil
}

// DefaultHomography returns the projection for the default reference points
func DefaultHomography() *Homography {
	h, err := NewHomography(DefaultImagePoints, DefaultWorldPoints)
	if err != nil {
		panic(fmt.Sprintf("default homography: %v", err))
	}
	return h
}

// FromMatrix wraps a row-major 3x3 matrix, e.g. one estimated by a feature matcher
func FromMatrix(m [9]float64) (*Homography, error) {
	if math.Abs(mat.Det(mat.NewDense(3, 3, m[:]))) < collinearEpsilon {
		return nil, ErrDegenerate
	}
	return &Homography{m: m}, nil
}

// Matrix returns a copy of the row-major matrix
func (h *Homography) Matrix() [9]float64 {
	return h.m
}

// Transform projects p. The second result is false when p maps to infinity.
func (h *Homography) Transform(p Point) (Point, bool) {
	m := h.m
	w := m[6]*p.X + m[7]*p.Y + m[8]
	if math.Abs(w) < collinearEpsilon {
		return Point{}, false
	}
	return Point{
		X: (m[0]*p.X + m[1]*p.Y + m[2]) / w,
		Y: (m[3]*p.X + m[4]*p.Y + m[5]) / w,
	}, true
}

// TransformAll projects a polygon, dropping vertices that map to infinity
func (h *Homography) TransformAll(poly Polygon) Polygon {
	out := make(Polygon, 0, len(poly))
	for _, p := range poly {
		if q, ok := h.Transform(p); ok {
			out = append(out, q)
		}
	}
	return out
}

// Inverse returns the transform mapping world points back to the image
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, h.m[:])); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	out := &Homography{}
	scale := inv.At(2, 2)
	if math.Abs(scale) < collinearEpsilon {
		scale = 1
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.m[r*3+c] = inv.At(r, c) / scale
		}
	}
	return out, nil
}

func hasCollinearTriple(pts [4]Point) bool {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				if math.Abs(cross(pts[i], pts[j], pts[k])) < collinearEpsilon {
					return true
				}
			}
		}
	}
	return false
}

// cross is the z component of (b-a) x (c-a)
func cross(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}
