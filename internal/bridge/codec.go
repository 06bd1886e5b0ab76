package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Gauge statuses reported by the remote detector
const (
	GaugeNormal  = "normal"
	GaugeWarning = "warning"
	GaugeDanger  = "danger"
)

var (
	// ErrShortMessage is returned when a result is smaller than its header
	ErrShortMessage = errors.New("bridge message too short")
	// ErrMetadataLength is returned when the declared metadata length overruns the message
	ErrMetadataLength = errors.New("bridge metadata length out of range")
)

// headerSize is the big-endian uint32 metadata length prefix
const headerSize = 4

// Metadata describes one remote detection result
type Metadata struct {
	Timestamp   string    `json:"timestamp"`
	GaugeStatus string    `json:"gauge_status"`
	GaugeXYXY   []float64 `json:"gauge_xyxy"`
	PinAngle    []float64 `json:"pin_angle"`
	Comment     string    `json:"comment"`
}

// Status returns the gauge status, normal when unset
func (m Metadata) Status() string {
	if m.GaugeStatus == "" {
		return GaugeNormal
	}
	return m.GaugeStatus
}

// Alert reports whether the gauge is in a warning or danger state
func (m Metadata) Alert() bool {
	s := m.Status()
	return s == GaugeWarning || s == GaugeDanger
}

// Encode packs metadata and an image as len | JSON | JPEG
func Encode(meta Metadata, image []byte) ([]byte, error) {
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	out := make([]byte, headerSize+len(js)+len(image))
	binary.BigEndian.PutUint32(out, uint32(len(js)))
	copy(out[headerSize:], js)
	copy(out[headerSize+len(js):], image)
	return out, nil
}

// Decode splits a result message into its metadata and image bytes.
// The returned image aliases data.
func Decode(data []byte) (Metadata, []byte, error) {
	var meta Metadata
	if len(data) < headerSize {
		return meta, nil, ErrShortMessage
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-headerSize) {
		return meta, nil, fmt.Errorf("%w: %d > %d", ErrMetadataLength, n, len(data)-headerSize)
	}
	end := headerSize + int(n)
	if err := json.Unmarshal(data[headerSize:end], &meta); err != nil {
		return meta, nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, data[end:], nil
}
