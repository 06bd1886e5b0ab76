package pipeline

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/Spatial-NVR/SiteWatch/internal/overlay"
)

// WriteSnapshot stores the annotated frame of an event as <dir>/<id>.jpg
// and returns its path
func WriteSnapshot(dir, eventID string, img image.Image, quality int) (string, error) {
	if img == nil {
		return "", fmt.Errorf("no frame to snapshot")
	}
	data, err := overlay.EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	path := filepath.Join(dir, eventID+".jpg")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}
