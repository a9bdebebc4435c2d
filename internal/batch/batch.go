// Package batch runs a file of prompts through the generation orchestrator.
package batch

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/manash/qrmr/internal/generation"
	"github.com/manash/qrmr/internal/history"
	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/internal/security"
)

type Result struct {
	Index        int
	Prompt       string
	Provider     string
	UsedFallback bool
	Paths        []string
	Warnings     []string
	Error        error
	Duration     time.Duration
}

type Options struct {
	OutputDir string
	// Parallel caps the items in flight across all providers. Zero leaves
	// only the per-provider MaxInFlight limits.
	Parallel    int
	StopOnError bool
	// Profile is recorded with each history entry.
	Profile string
}

// Recorder persists successful items.
type Recorder interface {
	Record(ctx context.Context, g *history.Generation) error
}

type Processor struct {
	orch     *generation.Orchestrator
	recorder Recorder
	logger   *zap.Logger
	out      io.Writer
	err      io.Writer
	outMu    sync.Mutex

	limitsMu sync.Mutex
	limits   map[string]*semaphore.Weighted
}

type ProcessorOption func(*Processor)

func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

func WithLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(orch *generation.Orchestrator, out, errOut io.Writer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		orch:   orch,
		logger: zap.NewNop(),
		out:    out,
		err:    errOut,
		limits: make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) printf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

// limit returns the admission semaphore for prov, sized by MaxInFlight.
func (p *Processor) limit(prov provider.Provider) *semaphore.Weighted {
	p.limitsMu.Lock()
	defer p.limitsMu.Unlock()
	sem, ok := p.limits[prov.Name()]
	if !ok {
		n := prov.MaxInFlight()
		if n < 1 {
			n = 1
		}
		sem = semaphore.NewWeighted(int64(n))
		p.limits[prov.Name()] = sem
	}
	return sem
}

// Process generates every item. Results are in item order. With
// StopOnError the first failure cancels items not yet finished and is
// returned.
func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}

	for i, item := range items {
		g.Go(func() error {
			r := p.processItem(gctx, item, opts, i+1, total)
			results[i] = r
			if r.Error != nil && opts.StopOnError {
				return fmt.Errorf("stopped at item %d: %w", item.Index, r.Error)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: item.Index, Prompt: item.Prompt}
	fail := func(err error) Result {
		result.Error = err
		result.Duration = time.Since(start)
		p.errorf("       Error [%d]: %v\n", item.Index, err)
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	req := p.orch.BuildRequest(item.Prompt, item.NegativePrompt)
	if item.Style != "" {
		req.Style = item.Style
	}
	if len(item.ExactText) > 0 {
		req.ExactText = item.ExactText
	}

	prov, err := p.orch.RouteProvider(req)
	if err != nil {
		return fail(err)
	}
	sem := p.limit(prov)
	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(err)
	}
	defer sem.Release(1)

	p.printf("[%d/%d] Generating: %q...\n", current, total, truncate(item.Prompt, 50))

	out, err := p.orch.Run(ctx, req, nil)
	if err != nil {
		return fail(fmt.Errorf("generation failed: %w", err))
	}
	result.Provider = out.Provider
	result.UsedFallback = out.UsedFallback
	result.Warnings = out.Result.AllWarnings()

	prefix := fmt.Sprintf("%03d-%s", item.Index, sanitizePrompt(item.Prompt))
	paths, err := p.orch.SaveImages(out.Result, opts.OutputDir, prefix)
	if err != nil {
		return fail(fmt.Errorf("save failed: %w", err))
	}
	result.Paths = paths
	result.Duration = time.Since(start)

	if p.recorder != nil {
		g := history.FromOutcome(opts.Profile, item.Prompt, item.NegativePrompt, out, paths)
		if err := p.recorder.Record(ctx, g); err != nil {
			p.logger.Warn("failed to record history", zap.Int("item", item.Index), zap.Error(err))
		}
	}

	for _, path := range paths {
		p.printf("       Saved: %s (%s)\n", path, out.Provider)
	}
	for _, w := range result.Warnings {
		p.printf("       Warning: %s\n", w)
	}
	return result
}

var promptChars = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)

func sanitizePrompt(prompt string) string {
	sanitized := promptChars.ReplaceAllString(prompt, "")
	sanitized = strings.ToLower(sanitized)
	sanitized = strings.Join(strings.Fields(sanitized), "-")
	sanitized = strings.TrimLeft(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	sanitized = strings.TrimSuffix(sanitized, "-")
	return security.SanitizeStem(sanitized, "image")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func (p *Processor) PrintSummary(results []Result) {
	var successful, images, fallbacks int
	var failed []Result

	for _, r := range results {
		if r.Error != nil {
			failed = append(failed, r)
			continue
		}
		successful++
		images += len(r.Paths)
		if r.UsedFallback {
			fallbacks++
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d prompts (%d images)\n", successful, len(results), images)
	if fallbacks > 0 {
		fmt.Fprintf(p.out, "  Fallback used: %d\n", fallbacks)
	}
	if len(failed) > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", len(failed))
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range failed {
			fmt.Fprintf(p.out, "  [%d] %q: %v\n", e.Index, truncate(e.Prompt, 40), e.Error)
		}
	}
}
