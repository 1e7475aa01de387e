package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMetrics holds the monitor's Prometheus instrumentation, registered on
// a private registry so embedding applications control exposure.
type promMetrics struct {
	registry *prometheus.Registry

	responseTime  *prometheus.HistogramVec
	issues        *prometheus.CounterVec
	modelSwitches prometheus.Counter
	activeScopes  prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	registry := prometheus.NewRegistry()

	return &promMetrics{
		registry: registry,
		responseTime: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "serving",
			Subsystem: "monitoring",
			Name:      "response_time_seconds",
			Help:      "Model operation response time in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		issues: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "serving",
			Subsystem: "monitoring",
			Name:      "performance_issues_total",
			Help:      "Total number of performance threshold breaches",
		}, []string{"model", "severity"}),
		modelSwitches: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "serving",
			Subsystem: "monitoring",
			Name:      "model_switches_total",
			Help:      "Total number of degradation-triggered model switches",
		}),
		activeScopes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "serving",
			Subsystem: "monitoring",
			Name:      "active_timeout_scopes",
			Help:      "Number of operations currently running under an adaptive timeout",
		}),
	}
}

// PrometheusRegistry returns the monitor's private Prometheus registry.
func (m *Monitor) PrometheusRegistry() *prometheus.Registry {
	return m.prom.registry
}
