// Package metrics exposes Prometheus instrumentation for generation runs.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testweaver_provider_request_duration_seconds",
			Help:    "Chat completion request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	toolchainCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testweaver_toolchain_check_duration_seconds",
			Help:    "Toolchain check duration in seconds by check kind",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"check"}, // "compile", "lint", "format", "test"
	)

	artifactsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testweaver_artifacts_generated_total",
			Help: "Total artifacts generated by kind and status",
		},
		[]string{"kind", "status"}, // kind: "models"/"tests", status: "success"/"error"/"skipped"
	)

	fixAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testweaver_fix_attempts_total",
			Help: "Total repair attempts by loop kind and result",
		},
		[]string{"kind", "result"}, // kind: "typescript"/"execution", result: "fixed"/"failed"/"stopped"
	)

	itemsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testweaver_items_pending",
			Help: "Remaining work items by generation loop",
		},
		[]string{"loop"}, // "paths" or "verbs"
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordProviderRequest records one chat completion request
func (c *Collector) RecordProviderRequest(model, status string, duration time.Duration) {
	providerRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordToolchainCheck records one toolchain check duration
func (c *Collector) RecordToolchainCheck(check string, duration time.Duration) {
	toolchainCheckDuration.WithLabelValues(check).Observe(duration.Seconds())
}

// IncrementArtifacts increments the generated-artifact counter
func (c *Collector) IncrementArtifacts(kind, status string) {
	artifactsGenerated.WithLabelValues(kind, status).Inc()
}

// IncrementFixAttempt records the outcome of one repair loop
func (c *Collector) IncrementFixAttempt(kind, result string) {
	fixAttempts.WithLabelValues(kind, result).Inc()
}

// SetItemsPending sets the remaining item count for a generation loop
func (c *Collector) SetItemsPending(loop string, count int) {
	itemsPending.WithLabelValues(loop).Set(float64(count))
}
