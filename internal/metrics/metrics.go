package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the prefix of every exported metric.
const Namespace = "trailsync"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoop    = "noop"
)

// Recorder exposes the sync engine collectors. A nil Recorder discards observations.
type Recorder struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	skippedRows *prometheus.CounterVec
	votes       *prometheus.CounterVec
}

// NewRecorder registers the sync engine collectors on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Sync engine operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "operation_duration_seconds",
			Help:      "Duration of sync engine operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		skippedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sync",
			Name:      "bundle_rows_skipped_total",
			Help:      "Malformed bundle rows dropped during install",
		}, []string{"entity"}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ratings",
			Name:      "votes_total",
			Help:      "Rating transitions by target kind",
		}, []string{"kind", "transition"}),
	}
}

// ObserveOperation counts one operation and records its duration.
func (r *Recorder) ObserveOperation(operation, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddSkippedRows counts bundle rows dropped for entity.
func (r *Recorder) AddSkippedRows(entity string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.skippedRows.WithLabelValues(entity).Add(float64(count))
}

// CountVote counts a rating transition.
func (r *Recorder) CountVote(kind, transition string) {
	if r == nil {
		return
	}
	r.votes.WithLabelValues(kind, transition).Inc()
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the Prometheus exposition format for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
