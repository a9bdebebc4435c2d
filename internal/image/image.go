// Package image persists generated images to disk.
package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/manash/qrmr/pkg/models"
)

const DefaultPrefix = "generated"

var ErrNoData = errors.New("no image data available")

type Saver struct {
	now func() time.Time
}

func NewSaver() *Saver {
	return &Saver{now: time.Now}
}

// NewSaverWithClock returns a saver that stamps filenames from now.
func NewSaverWithClock(now func() time.Time) *Saver {
	return &Saver{now: now}
}

// Save writes img's bytes verbatim to path and records the path on img.
func (s *Saver) Save(img *models.GeneratedImage, path string) error {
	if len(img.Data) == 0 {
		return ErrNoData
	}
	if err := s.ensureDir(path); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, img.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	img.Filename = path
	return nil
}

// SaveAll writes every image of result into dir as
// {prefix}_{unix}_{n}{ext} and returns the paths in image order. Existing
// files are overwritten; generated originals skip collision handling.
func (s *Saver) SaveAll(result *models.GenerateResult, dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	stamp := s.now().Unix()
	paths := make([]string, 0, len(result.Images))
	for i := range result.Images {
		img := &result.Images[i]
		path := filepath.Join(dir, Filename(prefix, stamp, i, img.MimeType))
		if err := s.Save(img, path); err != nil {
			return paths, fmt.Errorf("failed to save image %d: %w", i+1, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *Saver) ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// Filename builds the name of the index-th (zero-based) image of a result.
func Filename(prefix string, unix int64, index int, mime models.MimeType) string {
	return fmt.Sprintf("%s_%d_%d%s", prefix, unix, index+1, mime.Extension())
}
