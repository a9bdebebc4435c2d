package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/sync/errgroup"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/outpath"
	"github.com/manash/qrmr/internal/security"
	"github.com/manash/qrmr/internal/slug"
)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImage reports whether name has an extension the pipeline processes.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Observer is told the outcome of every file a pipeline run touches.
type Observer interface {
	ObserveWatermark(outcome string)
}

type FileResult struct {
	Source   string
	Output   string
	// Archived is where the source was moved, if archiving is enabled.
	Archived string
	Err      error
}

type Report struct {
	Results   []FileResult
	Succeeded int
	Failed    int
}

// Pipeline watermarks every image in a directory. Rendering runs on a worker
// pool; choosing the output name and writing the file happen under one lock
// so workers never resolve the same free path.
type Pipeline struct {
	renderer  *Renderer
	namer     *slug.Namer
	resolver  *outpath.Resolver
	strategy  outpath.Strategy
	recursive bool
	workers   int
	archive   string
	logger    *zap.Logger
	observer  Observer

	writeMu sync.Mutex
}

type Option func(*Pipeline)

// WithNamer names outputs by slug. Without it the source stem is kept.
func WithNamer(n *slug.Namer) Option {
	return func(p *Pipeline) { p.namer = n }
}

func WithStrategy(s outpath.Strategy) Option {
	return func(p *Pipeline) { p.strategy = s }
}

func WithRecursive(recursive bool) Option {
	return func(p *Pipeline) { p.recursive = recursive }
}

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithArchive moves each successfully watermarked source into dir, so a
// later run over the same input only sees new files.
func WithArchive(dir string) Option {
	return func(p *Pipeline) { p.archive = dir }
}

func WithResolver(r *outpath.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// ProfileOptions configures a pipeline from a profile's seo_naming section.
// When SEO naming is enabled namer is reconfigured with the profile's rules.
func ProfileOptions(p *config.Profile, namer *slug.Namer) []Option {
	seo := p.SEONaming
	opts := []Option{
		WithStrategy(seo.Strategy()),
		WithRecursive(seo.ProcessRecursive),
	}
	if seo.Enabled && namer != nil {
		namer.Configure(seo.SlugOptions()...)
		opts = append(opts, WithNamer(namer))
	}
	return opts
}

func NewPipeline(r *Renderer, opts ...Option) *Pipeline {
	p := &Pipeline{
		renderer: r,
		resolver: outpath.NewResolver(),
		strategy: outpath.Counter,
		workers:  runtime.NumCPU(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OutputName returns the file name an input is written under, before
// collision handling.
func (p *Pipeline) OutputName(src string) string {
	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if p.namer != nil {
		stem = strings.TrimSuffix(p.namer.Name(stem), slug.Extension)
	}
	return security.SanitizeStem(stem, slug.Fallback) + slug.Extension
}

// Collect lists the images under dir in lexical order. Files below any of
// skipDirs are ignored so output or archive folders nested in the input are
// never re-read.
func Collect(dir string, recursive bool, skipDirs ...string) ([]string, error) {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = true
		}
	}

	var files []string
	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && IsImage(e.Name()) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
		return files, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				if abs, err := filepath.Abs(path); err == nil && skip[abs] {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if IsImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Run watermarks every image under inputDir into outputDir. A file that
// fails is reported and the run continues; the returned error is non-nil
// only when the input cannot be listed, the output cannot be created or ctx
// is canceled.
func (p *Pipeline) Run(ctx context.Context, inputDir, outputDir string) (*Report, error) {
	files, err := Collect(inputDir, p.recursive, outputDir, p.archive)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", inputDir, err)
	}
	report := &Report{Results: make([]FileResult, len(files))}
	if len(files) == 0 {
		p.logger.Info("no images found", zap.String("dir", inputDir))
		return report, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if p.archive != "" {
		if err := os.MkdirAll(p.archive, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, src := range files {
		g.Go(func() error {
			report.Results[i] = p.process(ctx, src, outputDir)
			return nil
		})
	}
	g.Wait()

	for _, r := range report.Results {
		if r.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	p.logger.Info("watermark run finished",
		zap.String("input", inputDir),
		zap.String("output", outputDir),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report, ctx.Err()
}

func (p *Pipeline) process(ctx context.Context, src, outputDir string) FileResult {
	res := FileResult{Source: src}
	if err := ctx.Err(); err != nil {
		res.Err = err
		p.observe(OutcomeSkipped)
		return res
	}

	data, err := p.render(src)
	if err != nil {
		res.Err = err
		p.observe(OutcomeError)
		p.logger.Error("failed to watermark", zap.String("source", src), zap.Error(err))
		return res
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	dst := p.resolver.EnsureUnique(filepath.Join(outputDir, p.OutputName(src)), p.strategy)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		res.Err = fmt.Errorf("failed to write %s: %w", dst, err)
		p.observe(OutcomeError)
		p.logger.Error("failed to write output", zap.String("source", src), zap.Error(err))
		return res
	}
	res.Output = dst
	p.observe(OutcomeOK)
	p.logger.Info("watermarked", zap.String("source", src), zap.String("output", dst))

	if p.archive != "" {
		moved := p.resolver.EnsureUnique(filepath.Join(p.archive, filepath.Base(src)), outpath.Counter)
		if err := os.Rename(src, moved); err != nil {
			p.logger.Warn("failed to archive source", zap.String("source", src), zap.Error(err))
		} else {
			res.Archived = moved
		}
	}
	return res
}

func (p *Pipeline) render(src string) ([]byte, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(src), err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, p.renderer.Apply(img), imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", filepath.Base(src), err)
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveWatermark(outcome)
	}
}

// Errors returns the failures of a run joined into one error, or nil.
func (r *Report) Errors() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Source, res.Err))
		}
	}
	return errors.Join(errs...)
}
