// Package proximity measures real-world distances between workers and
// vehicles and flags pairs that come too close.
package proximity

import (
	"math"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/geometry"
	"github.com/Spatial-NVR/SiteWatch/internal/tracking"
)

const (
	DefaultDangerDistance = 2.0
	DefaultMinHistory     = 10
	// DefaultMinSpread is the miniball radius, in pixels, a vehicle's
	// centroid history must exceed before it is considered tracked
	DefaultMinSpread = 10.0

	// DefaultPixelsPerMeter is 175px for 2m
	DefaultPixelsPerMeter   = 175.0 / 2
	DefaultPixelDangerRange = 2.5
)

// Result is the outcome of one worker/vehicle pair
type Result struct {
	Distance float64
	Danger   bool
	// Skipped is set when the vehicle was not evaluated
	Skipped bool

	// WorkerPoint and VehiclePoint are image-space anchors for annotation
	WorkerPoint  geometry.Point
	VehiclePoint geometry.Point
}

// Evaluator measures worker to vehicle distances on the ground plane
type Evaluator struct {
	Homography      *geometry.Homography
	DangerDistance  float64
	MinHistory      int
	MinSpread       float64
	RequireMoving   bool
	MovingThreshold float64
}

// NewEvaluator returns an evaluator with the default thresholds
func NewEvaluator(h *geometry.Homography) *Evaluator {
	if h == nil {
		h = geometry.DefaultHomography()
	}
	return &Evaluator{
		Homography:      h,
		DangerDistance:  DefaultDangerDistance,
		MinHistory:      DefaultMinHistory,
		MinSpread:       DefaultMinSpread,
		MovingThreshold: tracking.DefaultMovingThreshold,
	}
}

// Tracked reports whether a vehicle history is long and spread out enough
// to be trusted
func (e *Evaluator) Tracked(history []detection.Box) bool {
	if len(history) < e.MinHistory || len(history) == 0 {
		return false
	}

	centroids := make([]geometry.Point, len(history))
	for i, b := range history {
		c := geometry.Center(b)
		centroids[i] = geometry.Point{X: math.Trunc(c.X), Y: math.Trunc(c.Y)}
	}
	ball := geometry.MinEnclosingCircle(geometry.UniquePoints(centroids))
	if ball.Radius < e.MinSpread {
		return false
	}

	if e.RequireMoving && !tracking.IsMoving(history, e.MovingThreshold) {
		return false
	}
	return true
}

// Evaluate measures the distance from a worker to the nearest ground edge
// of the vehicle's latest box. history is the vehicle's track, oldest first.
func (e *Evaluator) Evaluate(worker detection.Box, history []detection.Box) Result {
	if !e.Tracked(history) {
		return Result{Skipped: true}
	}

	vehicle := history[len(history)-1].Truncate()
	wImg := geometry.BottomCenter(worker)
	wWorld, ok := e.Homography.Transform(wImg)
	if !ok {
		return Result{Skipped: true}
	}

	var candidates []geometry.Point
	for _, p := range geometry.GroundEdges(vehicle) {
		if wp, ok := e.Homography.Transform(p); ok {
			candidates = append(candidates, wp)
		}
	}

	res := e.Nearest(wWorld, candidates)
	res.WorkerPoint = wImg
	res.VehiclePoint = geometry.BottomCenter(vehicle)
	return res
}

// Nearest compares a world-space worker point with world-space vehicle
// candidates and keeps the closest one
func (e *Evaluator) Nearest(worker geometry.Point, candidates []geometry.Point) Result {
	if len(candidates) == 0 {
		return Result{Skipped: true}
	}

	best := math.Inf(1)
	for _, c := range candidates {
		if d := DistanceWorld(worker, c); d < best {
			best = d
		}
	}
	return Result{
		Distance: best,
		Danger:   best < e.DangerDistance,
	}
}

// DistanceWorld returns the euclidean distance between two world points
func DistanceWorld(w, v geometry.Point) float64 {
	return w.Distance(v)
}

// PixelScale converts pixel distances to meters with a fixed scale, for
// cameras without a calibrated homography
type PixelScale struct {
	PixelsPerMeter float64
	DangerDistance float64
}

// NewPixelScale returns a scale with the default calibration
func NewPixelScale() PixelScale {
	return PixelScale{
		PixelsPerMeter: DefaultPixelsPerMeter,
		DangerDistance: DefaultPixelDangerRange,
	}
}

// anchor is the integer bottom-center of a box
func anchor(b detection.Box) geometry.Point {
	r := b.Rect()
	return geometry.Point{X: float64((r.Min.X + r.Max.X) / 2), Y: float64(r.Max.Y)}
}

// Evaluate measures the bottom-center distance between two boxes in meters
func (s PixelScale) Evaluate(worker, vehicle detection.Box) Result {
	ppm := s.PixelsPerMeter
	if ppm <= 0 {
		ppm = DefaultPixelsPerMeter
	}

	w, v := anchor(worker), anchor(vehicle)
	dist := w.Distance(v) / ppm
	return Result{
		Distance:     dist,
		Danger:       dist < s.DangerDistance,
		WorkerPoint:  w,
		VehiclePoint: v,
	}
}
