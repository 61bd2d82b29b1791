package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricHits          = "cache_hits_total"
	MetricMisses        = "cache_misses_total"
	MetricEvictions     = "cache_evictions_total"
	MetricRefreshErrors = "cache_refresh_errors_total"
)

// Metrics contains Prometheus metrics for the cache.
// All operations are thread-safe.
type Metrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	evictions     prometheus.Counter
	refreshErrors prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricHits,
			Help: "Total number of cache reads served from the store",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricMisses,
			Help: "Total number of cache reads that required a synchronous fetch",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEvictions,
			Help: "Total number of entries removed by size-bounded eviction",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRefreshErrors,
			Help: "Total number of failed background refreshes",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.hits,
		m.misses,
		m.evictions,
		m.refreshErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncHits increments the hit counter.
func (m *Metrics) IncHits() {
	m.hits.Inc()
}

// IncMisses increments the miss counter.
func (m *Metrics) IncMisses() {
	m.misses.Inc()
}

// IncEvictions increments the eviction counter.
func (m *Metrics) IncEvictions() {
	m.evictions.Inc()
}

// IncRefreshErrors increments the refresh error counter.
func (m *Metrics) IncRefreshErrors() {
	m.refreshErrors.Inc()
}
