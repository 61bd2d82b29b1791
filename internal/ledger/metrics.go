package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricAppends         = "ledger_appends_total"
	MetricAppendErrors    = "ledger_append_errors_total"
	MetricVerifications   = "ledger_verifications_total"
	MetricTamperedRecords = "ledger_tampered_records_total"
)

// Metrics contains Prometheus metrics for the ledger.
// All operations are thread-safe.
type Metrics struct {
	appends         prometheus.Counter
	appendErrors    prometheus.Counter
	verifications   prometheus.Counter
	tamperedRecords prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppends,
			Help: "Total number of records appended to ledger chains",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendErrors,
			Help: "Total number of failed ledger append attempts",
		}),
		verifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVerifications,
			Help: "Total number of chain verification runs",
		}),
		tamperedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTamperedRecords,
			Help: "Total number of tampered records detected by verification",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.appends,
		m.appendErrors,
		m.verifications,
		m.tamperedRecords,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncAppends increments the append counter.
func (m *Metrics) IncAppends() {
	m.appends.Inc()
}

// IncAppendErrors increments the append error counter.
func (m *Metrics) IncAppendErrors() {
	m.appendErrors.Inc()
}

// IncVerifications increments the verification counter.
func (m *Metrics) IncVerifications() {
	m.verifications.Inc()
}

// AddTamperedRecords records the number of tampered records found by one
// verification run.
func (m *Metrics) AddTamperedRecords(n int) {
	m.tamperedRecords.Add(float64(n))
}
