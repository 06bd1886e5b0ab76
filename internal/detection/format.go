package detection

import (
	"fmt"
	"math"
	"strings"
)

// FrameFormat identifies the row layout produced by a detector integration
type FrameFormat string

const (
	// FormatWithTrackID rows are x1, y1, x2, y2, track_id, confidence, class_id
	FormatWithTrackID FrameFormat = "with_track_id"
	// FormatWithoutTrackID rows are x1, y1, x2, y2, confidence, class_id
	FormatWithoutTrackID FrameFormat = "without_track_id"
	// FormatAuto picks the layout from each row's length
	FormatAuto FrameFormat = "auto"
)

// ParseFrameFormat resolves a configured format name
func ParseFrameFormat(s string) (FrameFormat, error) {
	switch FrameFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatWithTrackID:
		return FormatWithTrackID, nil
	case FormatWithoutTrackID:
		return FormatWithoutTrackID, nil
	case FormatAuto, "":
		return FormatAuto, nil
	}
	return "", fmt.Errorf("unknown frame format: %q", s)
}

// Decode converts raw detector rows into detections.
// Rows without a full box are skipped; anything else missing degrades to an
// untracked detection with zero confidence.
func Decode(format FrameFormat, rows [][]float64) []Detection {
	dets := make([]Detection, 0, len(rows))
	for _, row := range rows {
		if d, ok := decodeRow(format, row); ok {
			dets = append(dets, d)
		}
	}
	return dets
}

func decodeRow(format FrameFormat, row []float64) (Detection, bool) {
	if len(row) < 4 {
		return Detection{}, false
	}
	for _, v := range row[:4] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Detection{}, false
		}
	}

	d := Detection{
		Box:     NewBox(row[0], row[1], row[2], row[3]),
		ClassID: -1,
	}

	layout := format
	if layout == FormatAuto || layout == "" {
		layout = FormatWithoutTrackID
		if len(row) >= 7 {
			layout = FormatWithTrackID
		}
	}
	// A tracked integration occasionally emits untracked rows
	if layout == FormatWithTrackID && len(row) < 7 {
		layout = FormatWithoutTrackID
	}

	switch layout {
	case FormatWithTrackID:
		if id := row[4]; !math.IsNaN(id) && id >= 0 {
			d.TrackID = int(id)
			d.Tracked = true
		}
		d.Confidence = clampConfidence(row[5])
		d.ClassID = classID(row[6])
	default:
		if len(row) >= 5 {
			d.Confidence = clampConfidence(row[4])
		}
		if len(row) >= 6 {
			d.ClassID = classID(row[5])
		}
	}

	return d, true
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func classID(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return int(v)
}
