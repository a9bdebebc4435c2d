// Package builtin assembles the registry of shipped providers.
package builtin

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/credentials"
	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/internal/provider/fal"
	"github.com/manash/qrmr/internal/provider/ideogram"
	"github.com/manash/qrmr/internal/provider/stability"
)

// Backend describes one shipped provider.
type Backend struct {
	Name         string
	EnvVar       string
	DefaultModel string
	new          func(*provider.Config) provider.Provider
}

// Backends lists the shipped providers in registration order.
var Backends = []Backend{
	{fal.Name, fal.EnvVar, fal.DefaultModel, func(c *provider.Config) provider.Provider { return fal.New(c) }},
	{ideogram.Name, ideogram.EnvVar, ideogram.DefaultModel, func(c *provider.Config) provider.Provider { return ideogram.New(c) }},
	{stability.Name, stability.EnvVar, stability.DefaultModel, func(c *provider.Config) provider.Provider { return stability.New(c) }},
}

type Options struct {
	Logger     *zap.Logger
	Observer   provider.AttemptObserver
	HTTPClient *http.Client
	MaxRetries int
	// Keys holds explicit per-provider keys, usually from flags.
	Keys map[string]string
}

// Status is what `qrmr providers` reports for one backend.
type Status struct {
	Name      string
	Model     string
	EnvVar    string
	KeySource credentials.Source
}

func (s Status) Configured() bool {
	return s.KeySource != credentials.SourceNone
}

// NewRegistry registers every shipped provider. Providers without a key are
// registered anyway and fail on first use with a config error.
func NewRegistry(creds credentials.File, opts Options) *provider.Registry {
	reg := provider.NewRegistry()
	for _, b := range Backends {
		reg.Register(b.new(configFor(b, creds, opts)))
	}
	return reg
}

// Statuses reports how each shipped provider would be configured.
func Statuses(creds credentials.File, keys map[string]string) []Status {
	out := make([]Status, 0, len(Backends))
	for _, b := range Backends {
		_, source := credentials.Resolve(keys[b.Name], creds, b.Name, b.EnvVar)
		model := creds[b.Name].Model
		if model == "" {
			model = b.DefaultModel
		}
		out = append(out, Status{Name: b.Name, Model: model, EnvVar: b.EnvVar, KeySource: source})
	}
	return out
}

func configFor(b Backend, creds credentials.File, opts Options) *provider.Config {
	key, _ := credentials.Resolve(opts.Keys[b.Name], creds, b.Name, b.EnvVar)
	entry := creds[b.Name]
	return &provider.Config{
		APIKey:     key,
		Model:      entry.Model,
		BaseURL:    entry.BaseURL,
		MaxRetries: opts.MaxRetries,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
		Observer:   opts.Observer,
	}
}
