package detection

import (
	"math"
	"testing"
)

func TestParseFrameFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    FrameFormat
		wantErr bool
	}{
		{"with_track_id", FormatWithTrackID, false},
		{"WITHOUT_TRACK_ID", FormatWithoutTrackID, false},
		{"", FormatAuto, false},
		{"auto", FormatAuto, false},
		{"nine_fields", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecode_WithoutTrackID(t *testing.T) {
	dets := Decode(FormatWithoutTrackID, [][]float64{
		{100, 100, 200, 300, 0.9, 2},
	})
	if len(dets) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(dets))
	}
	d := dets[0]
	if d.ClassID != 2 {
		t.Errorf("Expected class 2, got %d", d.ClassID)
	}
	if d.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %f", d.Confidence)
	}
	if d.HasTrack() {
		t.Error("Expected untracked detection")
	}
}

func TestDecode_WithTrackID(t *testing.T) {
	dets := Decode(FormatWithTrackID, [][]float64{
		{10, 20, 30, 40, 7, 0.8, 3},
		{10, 20, 30, 40, 0.5, 1}, // falls back to the untracked layout
	})
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if !dets[0].HasTrack() || dets[0].TrackID != 7 {
		t.Errorf("Expected track 7, got %+v", dets[0])
	}
	if dets[0].ClassID != 3 || dets[0].Confidence != 0.8 {
		t.Errorf("Unexpected decode: %+v", dets[0])
	}
	if dets[1].HasTrack() {
		t.Error("Expected six-field row to be untracked")
	}
	if dets[1].ClassID != 1 {
		t.Errorf("Expected class 1, got %d", dets[1].ClassID)
	}
}

func TestDecode_Auto(t *testing.T) {
	dets := Decode(FormatAuto, [][]float64{
		{0, 0, 10, 10, 0.7, 1},
		{0, 0, 10, 10, 4, 0.7, 1, 0},
	})
	if dets[0].HasTrack() {
		t.Error("Expected six-field row to be untracked")
	}
	if !dets[1].HasTrack() || dets[1].TrackID != 4 {
		t.Errorf("Expected eight-field row to carry track 4, got %+v", dets[1])
	}
}

func TestDecode_Malformed(t *testing.T) {
	dets := Decode(FormatWithTrackID, [][]float64{
		{1, 2},                       // no box
		{1, 2, 3, math.NaN(), 1, 1},  // bad coordinate
		{50, 60, 10, 20},             // box only, reversed corners
		{0, 0, 5, 5, math.NaN(), 2},  // NaN confidence
		{0, 0, 5, 5, -1, 0.9, 1},     // negative track id
	})
	if len(dets) != 3 {
		t.Fatalf("Expected 3 detections, got %d", len(dets))
	}

	boxOnly := dets[0]
	if boxOnly.Box != (Box{X1: 10, Y1: 20, X2: 50, Y2: 60}) {
		t.Errorf("Expected normalized box, got %+v", boxOnly.Box)
	}
	if boxOnly.Confidence != 0 || boxOnly.ClassID != -1 {
		t.Errorf("Expected zero-confidence unknown class, got %+v", boxOnly)
	}
	if dets[1].Confidence != 0 {
		t.Errorf("Expected NaN confidence to decode as 0, got %f", dets[1].Confidence)
	}
	if dets[2].HasTrack() {
		t.Error("Expected negative track id to be untracked")
	}
}

func TestBox_Geometry(t *testing.T) {
	b := Box{X1: 100, Y1: 100, X2: 200, Y2: 300}

	if b.Width() != 100 || b.Height() != 200 {
		t.Errorf("Expected 100x200, got %fx%f", b.Width(), b.Height())
	}
	cx, cy := b.Center()
	if cx != 150 || cy != 200 {
		t.Errorf("Expected center (150,200), got (%f,%f)", cx, cy)
	}
	bx, by := b.BottomCenter()
	if bx != 150 || by != 300 {
		t.Errorf("Expected bottom center (150,300), got (%f,%f)", bx, by)
	}
	if !(Box{X1: 110, Y1: 110, X2: 190, Y2: 290}).Within(b) {
		t.Error("Expected inner box to be within")
	}
	if (Box{X1: 90, Y1: 110, X2: 190, Y2: 290}).Within(b) {
		t.Error("Expected overhanging box not to be within")
	}
	if iou := b.IoU(b); iou != 1 {
		t.Errorf("Expected IoU 1, got %f", iou)
	}
}
