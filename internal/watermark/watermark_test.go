package watermark

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/outpath"
	"github.com/manash/qrmr/internal/slug"
)

var gray = color.NRGBA{R: 128, G: 128, B: 128, A: 255}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, imaging.Save(imaging.New(w, h, gray), path))
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveWatermark(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func TestFitFontSize(t *testing.T) {
	tests := []struct {
		name     string
		start    int
		maxWidth int
		want     int
	}{
		{"fits at start", 72, 1000, 72},
		{"shrinks to width", 72, 200, 37},
		{"stops at minimum", 72, 10, minFontSize},
		{"below minimum untouched", 8, 10, 8},
		{"no size", 0, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fitFontSize(70, 13, tt.start, tt.maxWidth))
		})
	}
}

func TestRenderer_Apply(t *testing.T) {
	r, err := NewRenderer(Options{
		QRLink:    "https://example.com/free-quote",
		QRPadding: 15,
		Text:      "Salvo Metal Works",
	})
	require.NoError(t, err)

	out := r.Apply(imaging.New(400, 300, gray))
	require.Equal(t, image.Rect(0, 0, 400, 300), out.Bounds())

	// Outside the QR code the image is untouched.
	assert.Equal(t, gray, out.NRGBAAt(5, 5))
	// The QR quiet zone is white blended at 85% over the background.
	qr := out.NRGBAAt(16, 16)
	assert.Greater(t, qr.R, uint8(200), "QR pixel %v", qr)
	assert.Less(t, qr.R, uint8(255), "QR pixel %v should be translucent", qr)
	// Nothing is drawn past the QR code's 60px edge.
	assert.Equal(t, gray, out.NRGBAAt(15+61, 15+61))

	// Text sits 5% above the bottom edge at 14px (3.5% of the width).
	found := false
	for y := 300 - 15 - 14; y < 300-15 && !found; y++ {
		for x := 10; x < 400; x++ {
			if out.NRGBAAt(x, y).R > 180 {
				found = true
				break
			}
		}
	}
	assert.True(t, found, "no text pixels in the overlay band")
}

func TestRenderer_Empty(t *testing.T) {
	r, err := NewRenderer(Options{})
	require.NoError(t, err)

	src := imaging.New(50, 40, gray)
	out := r.Apply(src)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestRenderer_FixedQRSizeClampedToImage(t *testing.T) {
	r, err := NewRenderer(Options{QRLink: "https://example.com", QRSize: 150, QRPadding: 10})
	require.NoError(t, err)

	assert.Equal(t, 150, r.qrSize(800, 600))
	assert.Equal(t, 80, r.qrSize(100, 200))
	assert.LessOrEqual(t, r.qrSize(15, 15), 0)

	out := r.Apply(imaging.New(15, 15, gray))
	assert.Equal(t, gray, out.NRGBAAt(7, 7))
}

func TestOptionsFromProfile(t *testing.T) {
	w := config.DefaultProfile().Watermark
	w.QRLink = "https://salvo.example"
	w.TextOverlay = "Salvo"

	opts := OptionsFromProfile(w)
	assert.Equal(t, "https://salvo.example", opts.QRLink)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, opts.TextColor)
	assert.Equal(t, color.NRGBA{A: 128}, opts.ShadowColor)
	assert.Equal(t, 150, opts.QRSize)

	w.TextColor = []int{300, -4}
	w.ShadowColor = []int{10, 20, 30, 400}
	opts = OptionsFromProfile(w)
	assert.Equal(t, DefaultTextColor, opts.TextColor)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, opts.ShadowColor)
}

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	r, err := NewRenderer(Options{QRLink: "https://example.com", Text: "Example"})
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithWorkers(4)}, opts...)
	return NewPipeline(r, opts...)
}

func TestPipeline_RunNamesBySlug(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeImage(t, filepath.Join(in, "DSC_0042 Copper Dormer.png"), 120, 80)
	writeImage(t, filepath.Join(in, "copper dormer (edited).jpg"), 120, 80)
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("x"), 0644))

	obs := &countingObserver{}
	p := newTestPipeline(t, WithNamer(slug.New()), WithObserver(obs))
	report, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	require.NoError(t, report.Errors())

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, obs.counts[OutcomeOK])

	outputs := []string{}
	for _, r := range report.Results {
		outputs = append(outputs, filepath.Base(r.Output))
	}
	assert.ElementsMatch(t, []string{"copper-dormer.jpg", "copper-dormer-2.jpg"}, outputs)

	img, err := imaging.Open(filepath.Join(out, "copper-dormer.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 80), img.Bounds())
}

func TestPipeline_KeepsStemWithoutNamer(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeImage(t, filepath.Join(in, "My Photo.png"), 60, 60)

	report, err := newTestPipeline(t).Run(context.Background(), in, out)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, filepath.Join(out, "My Photo.jpg"), report.Results[0].Output)
}

func TestPipeline_TimestampStrategy(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeImage(t, filepath.Join(in, "roof.png"), 60, 60)
	require.NoError(t, os.WriteFile(filepath.Join(out, "roof.jpg"), []byte("existing"), 0644))

	report, err := newTestPipeline(t, WithNamer(slug.New()), WithStrategy(outpath.Timestamp)).
		Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Regexp(t, `roof-\d{14}\.jpg$`, report.Results[0].Output)
}

func TestPipeline_Recursive(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(in, "out")
	writeImage(t, filepath.Join(in, "top.png"), 40, 40)
	writeImage(t, filepath.Join(in, "sub", "inner.png"), 40, 40)
	writeImage(t, filepath.Join(out, "old.jpg"), 40, 40)

	report, err := newTestPipeline(t).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	report, err = newTestPipeline(t, WithRecursive(true)).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	for _, r := range report.Results {
		assert.NotContains(t, r.Source, "old.jpg")
	}
}

func TestPipeline_BrokenFileContinues(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeImage(t, filepath.Join(in, "good.png"), 40, 40)
	require.NoError(t, os.WriteFile(filepath.Join(in, "broken.jpg"), []byte("not an image"), 0644))

	obs := &countingObserver{}
	report, err := newTestPipeline(t, WithObserver(obs)).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorContains(t, report.Errors(), "broken.jpg")
	assert.Equal(t, 1, obs.counts[OutcomeError])
}

func TestPipeline_Canceled(t *testing.T) {
	in := t.TempDir()
	writeImage(t, filepath.Join(in, "a.png"), 20, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := &countingObserver{}
	report, err := newTestPipeline(t, WithObserver(obs)).Run(ctx, in, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, obs.counts[OutcomeSkipped])
}

func TestPipeline_Archive(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	archive := filepath.Join(in, "done")
	writeImage(t, filepath.Join(in, "roof.png"), 30, 30)
	writeImage(t, filepath.Join(archive, "roof.png"), 30, 30)

	p := newTestPipeline(t, WithArchive(archive), WithRecursive(true))
	report, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, filepath.Join(archive, "roof-2.png"), report.Results[0].Archived)
	assert.NoFileExists(t, filepath.Join(in, "roof.png"))

	report, err = p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestPipeline_EmptyInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never")
	report, err := newTestPipeline(t).Run(context.Background(), t.TempDir(), out)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.NoDirExists(t, out)
}

func TestProfileOptions(t *testing.T) {
	profile := config.DefaultProfile()
	profile.SEONaming.SlugPrefix = "salvo"
	namer := slug.New()

	p := newTestPipeline(t, ProfileOptions(&profile, namer)...)
	assert.Equal(t, "salvo-copper.jpg", p.OutputName("/in/copper.png"))
	assert.Equal(t, outpath.Counter, p.strategy)

	profile.SEONaming.Enabled = false
	profile.SEONaming.CollisionStrategy = "timestamp"
	p = newTestPipeline(t, ProfileOptions(&profile, slug.New())...)
	assert.Equal(t, "copper.jpg", p.OutputName("/in/copper.png"))
	assert.Equal(t, outpath.Timestamp, p.strategy)
}

func TestOutputName_Sanitized(t *testing.T) {
	p := newTestPipeline(t)
	assert.Equal(t, "con-file.jpg", p.OutputName("con.png"))
	assert.Equal(t, "image.jpg", p.OutputName("....png"))
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"DSC_0042 Copper Dormer.png", "copper dormer (1).png", "copper-dormer.jpg"} {
		writeImage(t, filepath.Join(dir, name), 10, 10)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	want := []Renamed{
		{From: filepath.Join(dir, "DSC_0042 Copper Dormer.png"), To: filepath.Join(dir, "copper-dormer.png")},
		{From: filepath.Join(dir, "copper dormer (1).png"), To: filepath.Join(dir, "copper-dormer-2.png")},
	}

	dry, err := Rename(dir, slug.New(), true)
	require.NoError(t, err)
	assert.Equal(t, want, dry)
	assert.FileExists(t, filepath.Join(dir, "DSC_0042 Copper Dormer.png"))

	got, err := Rename(dir, slug.New(), false)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.FileExists(t, filepath.Join(dir, "copper-dormer.png"))
	assert.FileExists(t, filepath.Join(dir, "copper-dormer-2.png"))
	assert.FileExists(t, filepath.Join(dir, "copper-dormer.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, "DSC_0042 Copper Dormer.png"))

	again, err := Rename(dir, slug.New(), false)
	require.NoError(t, err)
	assert.Empty(t, again)
}
