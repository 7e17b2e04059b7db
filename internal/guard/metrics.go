package guard

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the guard pipeline.
// All methods on a nil *Metrics are no-ops.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ConfirmationsTotal *prometheus.CounterVec
	AuditEntriesTotal  prometheus.Counter
	ActiveExecutions   prometheus.Gauge
	EmergencyStops     prometheus.Counter
}

// NewMetrics creates and registers guard metrics on reg.
// Returns nil if reg is nil (metrics disabled).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "executions_total",
			Help:      "Total tool executions by outcome.",
		}, []string{"tool", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ConfirmationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "confirmations_total",
			Help:      "Total confirmation decisions by source and outcome.",
		}, []string{"source", "outcome"}),
		AuditEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "audit_entries_total",
			Help:      "Total audit entries appended.",
		}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "active_executions",
			Help:      "Currently registered active tool executions.",
		}),
		EmergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "guard",
			Name:      "emergency_stops_total",
			Help:      "Total emergency stop activations.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ConfirmationsTotal,
		m.AuditEntriesTotal,
		m.ActiveExecutions,
		m.EmergencyStops,
	)
	return m
}

func (m *Metrics) recordExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) recordConfirmation(source, outcome string) {
	if m == nil {
		return
	}
	m.ConfirmationsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) recordAuditEntry() {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Set(float64(n))
}

func (m *Metrics) recordEmergencyStop() {
	if m == nil {
		return
	}
	m.EmergencyStops.Inc()
}
