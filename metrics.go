package revalidate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NoOpMetrics is the default CacheMetrics; every method is a no-op.
type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordHit(key string, status string)              {}
func (n *NoOpMetrics) RecordMiss(key string)                            {}
func (n *NoOpMetrics) RecordError(key string, err error)                {}
func (n *NoOpMetrics) RecordLatency(key string, duration time.Duration) {}

// PrometheusMetrics implements CacheMetrics with Prometheus collectors.
// Keys are not used as labels: tag-scoped key space is unbounded.
type PrometheusMetrics struct {
	hits    *prometheus.CounterVec
	misses  prometheus.Counter
	errors  prometheus.Counter
	latency prometheus.Histogram
}

var _ CacheMetrics = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swr",
			Name:      "hits_total",
			Help:      "Cache reads served from the store, by status (hit, stale, refresh, refresh_in_progress).",
		}, []string{"status"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swr",
			Name:      "misses_total",
			Help:      "Cache reads that found no entry and fetched synchronously.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swr",
			Name:      "errors_total",
			Help:      "Callback, store and dispatch errors.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swr",
			Name:      "callback_duration_seconds",
			Help:      "Duration of refresh callbacks.",
			// Upstream analytics calls: 50ms to 2 minutes
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.errors, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordHit(_ string, status string) {
	m.hits.WithLabelValues(status).Inc()
}

func (m *PrometheusMetrics) RecordMiss(string) {
	m.misses.Inc()
}

func (m *PrometheusMetrics) RecordError(_ string, err error) {
	if err != nil {
		m.errors.Inc()
	}
}

func (m *PrometheusMetrics) RecordLatency(_ string, d time.Duration) {
	m.latency.Observe(d.Seconds())
}
