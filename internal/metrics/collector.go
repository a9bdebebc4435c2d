// Package metrics counts provider attempts, fallbacks and pipeline outcomes
// and exports them in the Prometheus text format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultNamespace = "qrmr"

// Collector owns its own registry so a textfile export only carries qrmr
// metrics.
type Collector struct {
	registry *prometheus.Registry

	providerAttempts   *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	imagesSaved        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	watermarkFiles     *prometheus.CounterVec

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		providerAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider HTTP attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_fallbacks_total",
				Help:      "Generations that fell back to another provider",
			},
			[]string{"from", "to"},
		),
		imagesSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "images_saved_total",
				Help:      "Generated images written to disk",
			},
			[]string{"provider"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Wall time of orchestrated generations",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 240, 600},
			},
			[]string{"provider"},
		),
		watermarkFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watermark_files_total",
				Help:      "Files handled by the watermark pipeline by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveAttempt implements provider.AttemptObserver.
func (c *Collector) ObserveAttempt(provider, outcome string) {
	c.providerAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveFallback implements generation.FallbackObserver.
func (c *Collector) ObserveFallback(from, to string) {
	c.fallbacks.WithLabelValues(from, to).Inc()
}

func (c *Collector) ObserveGeneration(provider string, d time.Duration, saved int) {
	c.generationDuration.WithLabelValues(provider).Observe(d.Seconds())
	c.imagesSaved.WithLabelValues(provider).Add(float64(saved))
}

// ObserveWatermark records one file of a watermark run ("ok", "error" or
// "skipped").
func (c *Collector) ObserveWatermark(outcome string) {
	c.watermarkFiles.WithLabelValues(outcome).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes every metric to path in the text exposition format,
// for node_exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		c.logger.Error("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		return err
	}
	c.logger.Debug("metrics written", zap.String("path", path))
	return nil
}
