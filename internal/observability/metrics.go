package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds process-level Prometheus metrics for Vigil.
// Uses a custom registry — no global state. Pipeline-specific collectors
// (tool executions, confirmations) register themselves on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Model request metrics.
	ModelRequestsTotal   *prometheus.CounterVec
	ModelRequestDuration *prometheus.HistogramVec
	ModelTokensUsed      *prometheus.CounterVec

	// Turn metrics.
	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ModelRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "model",
			Name:      "requests_total",
			Help:      "Total model API requests.",
		}, []string{"provider", "model", "status"}),

		ModelRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "model",
			Name:      "request_duration_seconds",
			Help:      "Model API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ModelTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "model",
			Name:      "tokens_used_total",
			Help:      "Total model tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "turn",
			Name:      "turns_total",
			Help:      "Total turns processed.",
		}, []string{"status"}),

		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Turn duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ModelRequestsTotal,
		m.ModelRequestDuration,
		m.ModelTokensUsed,
		m.TurnsTotal,
		m.TurnDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
