// Package display previews images inline in terminals that speak the kitty
// graphics protocol.
package display

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultMaxSize bounds the longer edge of a preview in pixels.
const DefaultMaxSize = 640

type Previewer struct {
	out     io.Writer
	maxSize int
}

func New(out io.Writer) *Previewer {
	return &Previewer{out: out, maxSize: DefaultMaxSize}
}

// WithMaxSize returns a copy of p that fits previews into size x size.
func (p *Previewer) WithMaxSize(size int) *Previewer {
	cp := *p
	if size > 0 {
		cp.maxSize = size
	}
	return &cp
}

// ShowFile decodes path (any format the watermark pipeline reads) and
// previews it.
func (p *Previewer) ShowFile(path string) error {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	return p.Show(img)
}

// Show scales img down to the preview size and transmits it as PNG, the only
// encoding the protocol accepts directly.
func (p *Previewer) Show(img image.Image) error {
	b := img.Bounds()
	if b.Dx() > p.maxSize || b.Dy() > p.maxSize {
		img = imaging.Fit(img, p.maxSize, p.maxSize, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	if err := writeKitty(p.out, buf.Bytes()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.out)
	return err
}

var supportedPrograms = []string{"kitty", "ghostty", "wezterm", "iterm.app"}

// Supported reports whether the terminal described by getenv can show
// inline images.
func Supported(getenv func(string) string) bool {
	program := strings.ToLower(getenv("TERM_PROGRAM"))
	for _, p := range supportedPrograms {
		if program == p {
			return true
		}
	}
	if getenv("KITTY_WINDOW_ID") != "" || getenv("ITERM_SESSION_ID") != "" {
		return true
	}
	term := strings.ToLower(getenv("TERM"))
	return strings.Contains(term, "kitty") || strings.Contains(term, "ghostty")
}
