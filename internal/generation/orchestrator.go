// Package generation routes image generation between the primary,
// text-strict and fallback providers of a client profile.
package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/image"
	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/pkg/models"
)

const (
	msgNoFallback = "primary provider failed and no fallback available"
	msgBothFailed = "both primary and fallback providers failed"
	keyOriginal   = "original_error"
	keyPrimary    = "primary_error"
	keyFallback   = "fallback_error"
)

// ProgressFunc receives advisory progress updates. It never affects the
// outcome of a call.
type ProgressFunc func(percent int, message string)

// FallbackObserver is told whenever a call falls back to another provider.
type FallbackObserver interface {
	ObserveFallback(from, to string)
}

// Outcome is a successful generation plus how it was obtained.
type Outcome struct {
	Result   *models.GenerateResult
	Provider string

	// Primary is the routed provider; it differs from Provider when the
	// fallback produced the result.
	Primary      string
	UsedFallback bool
	PrimaryError error
}

type Orchestrator struct {
	profile  *config.Profile
	registry *provider.Registry
	saver    *image.Saver
	logger   *zap.Logger
	observer FallbackObserver
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithFallbackObserver(obs FallbackObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithSaver(s *image.Saver) Option {
	return func(o *Orchestrator) { o.saver = s }
}

func New(profile *config.Profile, registry *provider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		profile:  profile,
		registry: registry,
		saver:    image.NewSaver(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Route returns the provider name a request goes to first: the text-strict
// provider when the request carries exact text and the profile enables
// text-strict mode, the primary otherwise.
func (o *Orchestrator) Route(req *models.GenerateRequest) string {
	if req.WantsExactText() && o.profile.Generation.TextStrict {
		return o.profile.Providers.TextStrictProvider
	}
	return o.profile.Providers.Primary
}

// RouteProvider resolves Route against the registry.
func (o *Orchestrator) RouteProvider(req *models.GenerateRequest) (provider.Provider, error) {
	return o.registry.Get(o.Route(req))
}

// Generate runs req against the routed provider and, if that fails with a
// provider error, against the profile's fallback.
func (o *Orchestrator) Generate(ctx context.Context, req *models.GenerateRequest, progress ProgressFunc) (*models.GenerateResult, error) {
	out, err := o.Run(ctx, req, progress)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Run is Generate with routing details.
func (o *Orchestrator) Run(ctx context.Context, req *models.GenerateRequest, progress ProgressFunc) (*Outcome, error) {
	report := progressOrNop(progress)

	primaryName := o.Route(req)
	primary, err := o.registry.Get(primaryName)
	if err != nil {
		return nil, err
	}

	o.logger.Info("generating images",
		zap.String("provider", primaryName),
		zap.Int("count", req.NumImages),
		zap.Bool("exact_text", req.WantsExactText()))
	report(10, fmt.Sprintf("Using %s provider", primaryName))
	report(20, "Generating images...")

	result, primaryErr := primary.Generate(ctx, req)
	if primaryErr == nil {
		report(100, fmt.Sprintf("Successfully generated %d images", len(result.Images)))
		return &Outcome{Result: result, Provider: primaryName, Primary: primaryName}, nil
	}

	var pe *provider.Error
	if !errors.As(primaryErr, &pe) || ctx.Err() != nil {
		return nil, primaryErr
	}

	o.logger.Warn("primary provider failed", zap.String("provider", primaryName), zap.Error(primaryErr))
	report(50, "Primary provider failed, trying fallback")

	fallbackName := o.profile.Providers.Fallback
	if fallbackName == "" || !o.registry.Has(fallbackName) {
		return nil, &provider.Error{
			Kind:     provider.KindOf(primaryErr),
			Provider: primaryName,
			Message:  msgNoFallback,
			Details:  map[string]any{keyOriginal: primaryErr},
		}
	}
	fallback, err := o.registry.Get(fallbackName)
	if err != nil {
		return nil, err
	}

	if o.observer != nil {
		o.observer.ObserveFallback(primaryName, fallbackName)
	}
	o.logger.Info("falling back", zap.String("from", primaryName), zap.String("to", fallbackName))
	report(60, fmt.Sprintf("Using %s provider", fallbackName))

	result, fallbackErr := fallback.Generate(ctx, req)
	if fallbackErr != nil {
		o.logger.Error("fallback provider failed", zap.String("provider", fallbackName), zap.Error(fallbackErr))
		return nil, &provider.Error{
			Kind:     provider.KindOf(fallbackErr),
			Provider: fallbackName,
			Message:  msgBothFailed,
			Details: map[string]any{
				keyPrimary:  primaryErr,
				keyFallback: fallbackErr,
			},
		}
	}

	report(100, fmt.Sprintf("Successfully generated %d images", len(result.Images)))
	return &Outcome{
		Result:       result,
		Provider:     fallbackName,
		Primary:      primaryName,
		UsedFallback: true,
		PrimaryError: primaryErr,
	}, nil
}

// BuildRequest applies the profile's generation settings to a prompt.
// Exact text is only attached when the profile is in text-strict mode.
func (o *Orchestrator) BuildRequest(prompt, negativePrompt string) *models.GenerateRequest {
	gen := o.profile.Generation
	req := models.NewGenerateRequest(prompt)
	req.NegativePrompt = negativePrompt
	req.Width = gen.Width
	req.Height = gen.Height
	req.NumImages = gen.Count
	req.Style = gen.Style
	if gen.TimeoutSeconds > 0 {
		req.TimeoutSeconds = gen.TimeoutSeconds
	}
	if gen.TextStrict && len(gen.ExactText) > 0 {
		req.ExactText = slices.Clone(gen.ExactText)
	}
	return req
}

// GenerateImages builds a request from the profile and generates it.
func (o *Orchestrator) GenerateImages(ctx context.Context, prompt, negativePrompt string, progress ProgressFunc) (*models.GenerateResult, error) {
	return o.Generate(ctx, o.BuildRequest(prompt, negativePrompt), progress)
}

// SaveImages writes result's images as {prefix}_{unix}_{n}{ext}. An empty
// dir selects the profile's generation output directory.
func (o *Orchestrator) SaveImages(result *models.GenerateResult, dir, prefix string) ([]string, error) {
	if dir == "" {
		dir = o.profile.Paths.GenerationOutputDir
	}
	return o.saver.SaveAll(result, dir, prefix)
}

func progressOrNop(p ProgressFunc) ProgressFunc {
	if p == nil {
		return func(int, string) {}
	}
	return p
}
