// Package overlay draws detection boxes and verdict banners on frames
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// Annotation colors
var (
	Green     = color.RGBA{0, 255, 0, 255}
	DarkGreen = color.RGBA{0, 180, 0, 255}
	Red       = color.RGBA{255, 0, 0, 255}
	Blue      = color.RGBA{0, 0, 255, 255}
	Orange    = color.RGBA{255, 180, 0, 255}
	Cyan      = color.RGBA{0, 255, 255, 255}
	Yellow    = color.RGBA{255, 255, 0, 255}
	White     = color.RGBA{255, 255, 255, 255}
)

const (
	glyphWidth  = 7
	glyphHeight = 13
	// DefaultThickness is the stroke width for boxes and lines
	DefaultThickness = 2
)

// Rect draws the outline of b
func Rect(img *image.RGBA, b detection.Box, c color.RGBA, thickness int) {
	if img == nil {
		return
	}
	r := b.Rect()
	for t := 0; t < thickness; t++ {
		hline(img, r.Min.X, r.Max.X, r.Min.Y+t, c)
		hline(img, r.Min.X, r.Max.X, r.Max.Y-t, c)
		vline(img, r.Min.Y, r.Max.Y, r.Min.X+t, c)
		vline(img, r.Min.Y, r.Max.Y, r.Max.X-t, c)
	}
}

// Fill paints the area of r clipped to the image
func Fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	if img == nil {
		return
	}
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

func hline(img *image.RGBA, x1, x2, y int, c color.RGBA) {
	for x := x1; x <= x2; x++ {
		setClipped(img, x, y, c)
	}
}

func vline(img *image.RGBA, y1, y2, x int, c color.RGBA) {
	for y := y1; y <= y2; y++ {
		setClipped(img, x, y, c)
	}
}

func setClipped(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// Line draws a straight segment from a to b
func Line(img *image.RGBA, a, b image.Point, c color.RGBA, thickness int) {
	if img == nil {
		return
	}
	if thickness < 1 {
		thickness = 1
	}

	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := sign(b.X-a.X), sign(b.Y-a.Y)
	e := dx + dy
	x, y := a.X, a.Y
	for {
		for t := 0; t < thickness; t++ {
			setClipped(img, x+t, y, c)
			setClipped(img, x, y+t, c)
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// TextWidth returns the rendered width of s in pixels
func TextWidth(s string) int {
	return len(s) * glyphWidth
}

// Label draws white text on a filled background whose bottom-left corner
// is (x, y)
func Label(img *image.RGBA, x, y int, text string, bg color.RGBA) {
	if img == nil || text == "" {
		return
	}
	if y < glyphHeight+4 {
		y = glyphHeight + 4
	}
	if x < 0 {
		x = 0
	}

	Fill(img, image.Rect(x, y-glyphHeight-4, x+TextWidth(text)+4, y), bg)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(White),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 2), Y: fixed.I(y - 4)},
	}
	d.DrawString(text)
}

// BoxLabel outlines b and places text above it
func BoxLabel(img *image.RGBA, b detection.Box, text string, c color.RGBA) {
	Rect(img, b, c, DefaultThickness)
	r := b.Rect()
	Label(img, r.Min.X, r.Min.Y-10, text, c)
}

// Status draws the frame status banner with one line per reason below it
func Status(img *image.RGBA, status string, unsafe bool, reasons []string) {
	c := Green
	if unsafe {
		c = Red
	}
	Label(img, 40, 40, status, c)
	for i, reason := range reasons {
		Label(img, 40, 100+i*30, reason, Red)
	}
}

// Distance draws a line between two anchors with the distance in meters at its midpoint
func Distance(img *image.RGBA, a, b image.Point, meters float64, c color.RGBA) {
	Line(img, a, b, c, DefaultThickness)
	mid := image.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
	Label(img, mid.X, mid.Y, fmt.Sprintf("%.2fm", meters), c)
}

// ToRGBA returns img as *image.RGBA, copying only when needed
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// DecodeJPEG decodes a JPEG into a drawable frame
func DecodeJPEG(data []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode jpeg: %w", err)
	}
	return ToRGBA(img), nil
}

// EncodeJPEG encodes a frame as JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
