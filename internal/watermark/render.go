// Package watermark stamps a QR code and a text overlay onto images and
// writes them out under SEO-friendly names.
package watermark

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/manash/qrmr/internal/config"
)

const (
	JPEGQuality = 85

	DefaultQRSizeRatio   = 0.15
	DefaultQROpacity     = 0.85
	DefaultFontSizeRatio = 0.035

	minFontSize    = 10
	shadowOffset   = 2
	bottomPadRatio = 0.05
	qrSourcePixels = 512
	defaultPadding = 10
)

var (
	DefaultTextColor   = color.NRGBA{R: 250, G: 249, B: 246, A: 255}
	DefaultShadowColor = color.NRGBA{A: 128}
)

// Options describes one watermark. Zero values select the defaults above.
type Options struct {
	QRLink      string
	QRSize      int
	QRSizeRatio float64
	QROpacity   float64
	QRPadding   int

	Text        string
	TextColor   color.NRGBA
	ShadowColor color.NRGBA
	// FontSize is the starting glyph height in pixels; zero derives it from
	// the image width.
	FontSize    int
	TextPadding int
}

// OptionsFromProfile converts a profile's watermark section.
func OptionsFromProfile(w config.Watermark) Options {
	return Options{
		QRLink:      w.QRLink,
		QRSize:      w.QRSize,
		QRSizeRatio: w.QRSizeRatio,
		QROpacity:   w.QROpacity,
		QRPadding:   w.QRPadding,
		Text:        w.TextOverlay,
		TextColor:   rgba(w.TextColor, DefaultTextColor),
		ShadowColor: rgba(w.ShadowColor, DefaultShadowColor),
		FontSize:    w.FontSize,
		TextPadding: w.TextPadding,
	}
}

func rgba(v []int, def color.NRGBA) color.NRGBA {
	clamp := func(n int) uint8 {
		return uint8(max(0, min(255, n)))
	}
	switch len(v) {
	case 3:
		return color.NRGBA{R: clamp(v[0]), G: clamp(v[1]), B: clamp(v[2]), A: 255}
	case 4:
		return color.NRGBA{R: clamp(v[0]), G: clamp(v[1]), B: clamp(v[2]), A: clamp(v[3])}
	default:
		return def
	}
}

// Renderer composites a fixed watermark. It holds no per-image state and is
// safe for concurrent use.
type Renderer struct {
	opts Options
	qr   image.Image

	text   *image.NRGBA
	shadow *image.NRGBA
}

func NewRenderer(opts Options) (*Renderer, error) {
	if opts.QRSizeRatio <= 0 {
		opts.QRSizeRatio = DefaultQRSizeRatio
	}
	if opts.QROpacity <= 0 || opts.QROpacity > 1 {
		opts.QROpacity = DefaultQROpacity
	}
	if opts.QRPadding <= 0 {
		opts.QRPadding = defaultPadding
	}
	if opts.TextPadding <= 0 {
		opts.TextPadding = defaultPadding
	}
	if opts.TextColor == (color.NRGBA{}) {
		opts.TextColor = DefaultTextColor
	}

	r := &Renderer{opts: opts}
	if opts.QRLink != "" {
		code, err := qrcode.New(opts.QRLink, qrcode.Highest)
		if err != nil {
			return nil, fmt.Errorf("failed to encode QR link: %w", err)
		}
		r.qr = code.Image(qrSourcePixels)
	}
	if opts.Text != "" {
		r.text = drawText(opts.Text, opts.TextColor)
		r.shadow = drawText(opts.Text, opts.ShadowColor)
	}
	return r, nil
}

// Apply returns a copy of img with the QR code in the top-left corner and the
// text along the bottom-left edge.
func (r *Renderer) Apply(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	if r.qr != nil {
		if size := r.qrSize(w, h); size > 0 {
			qr := imaging.Resize(r.qr, size, size, imaging.NearestNeighbor)
			pad := r.opts.QRPadding
			dst = imaging.Overlay(dst, qr, image.Pt(pad, pad), r.opts.QROpacity)
		}
	}

	if r.text != nil {
		start := r.opts.FontSize
		if start <= 0 {
			start = int(float64(w) * DefaultFontSizeRatio)
		}
		maxWidth := w - 2*r.opts.TextPadding
		size := fitFontSize(r.text.Bounds().Dx(), r.text.Bounds().Dy(), start, maxWidth)
		if size <= 0 {
			return dst
		}
		fg := scaleText(r.text, size)
		x := r.opts.TextPadding
		y := h - fg.Bounds().Dy() - int(float64(h)*bottomPadRatio)
		if r.opts.ShadowColor.A > 0 {
			dst = imaging.Overlay(dst, scaleText(r.shadow, size), image.Pt(x+shadowOffset, y+shadowOffset), 1)
		}
		dst = imaging.Overlay(dst, fg, image.Pt(x, y), 1)
	}
	return dst
}

func (r *Renderer) qrSize(w, h int) int {
	size := r.opts.QRSize
	if size <= 0 {
		size = int(float64(w) * r.opts.QRSizeRatio)
	}
	limit := min(w, h) - 2*r.opts.QRPadding
	return min(size, limit)
}

// fitFontSize shrinks start one pixel at a time until text rendered at that
// glyph height fits maxWidth, stopping at minFontSize.
func fitFontSize(nativeW, nativeH, start, maxWidth int) int {
	if nativeW == 0 || nativeH == 0 || start <= 0 {
		return 0
	}
	size := start
	for size > minFontSize && scaledWidth(nativeW, nativeH, size) > maxWidth {
		size--
	}
	return size
}

func scaledWidth(nativeW, nativeH, size int) int {
	return (nativeW*size + nativeH - 1) / nativeH
}

func scaleText(text *image.NRGBA, size int) *image.NRGBA {
	b := text.Bounds()
	return imaging.Resize(text, scaledWidth(b.Dx(), b.Dy(), size), size, imaging.Linear)
}

// drawText renders s in the built-in bitmap face on a transparent canvas.
func drawText(s string, c color.NRGBA) *image.NRGBA {
	face := basicfont.Face7x13
	m := face.Metrics()
	w := font.MeasureString(face, s).Ceil()
	h := (m.Ascent + m.Descent).Ceil()

	dst := image.NewNRGBA(image.Rect(0, 0, max(w, 1), h))
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, m.Ascent.Ceil()),
	}
	d.DrawString(s)
	return dst
}
