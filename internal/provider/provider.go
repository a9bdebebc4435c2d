package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/manash/qrmr/pkg/models"
)

var (
	ErrProviderNotFound = errors.New("provider not registered")
	ErrAPIKeyRequired   = errors.New("API key required")
	ErrNoImages         = errors.New("no images generated")
)

const (
	DefaultMaxRetries  = 3
	defaultHTTPTimeout = 5 * time.Minute
)

// Provider is a backend that turns a GenerateRequest into images. Generate
// blocks until the images are downloaded or the retry budget is spent.
type Provider interface {
	Name() string
	SupportsStyles() bool
	SupportsExactText() bool
	MaxInFlight() int
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error)
}

// AttemptObserver is told about every HTTP attempt an adapter makes.
type AttemptObserver interface {
	ObserveAttempt(provider, outcome string)
}

// Config carries what every adapter needs. Zero values select defaults.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	HTTPClient *http.Client
	Logger     *zap.Logger
	Observer   AttemptObserver
	NewBackOff func() backoff.BackOff
}

func (c *Config) HTTP() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func (c *Config) Log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Config) RetryPolicy(name string) RetryPolicy {
	tries := c.MaxRetries
	if tries < 1 {
		tries = DefaultMaxRetries
	}
	return RetryPolicy{
		Provider:   name,
		MaxTries:   tries,
		NewBackOff: c.NewBackOff,
		Logger:     c.Log(),
		Observer:   c.Observer,
	}
}

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p, replacing any provider already registered under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &Error{
			Kind:     KindNotFound,
			Provider: name,
			Message:  fmt.Sprintf("provider %q not registered", name),
			Err:      ErrProviderNotFound,
		}
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Available returns the registered names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
