package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMetrics holds the scheduler's prometheus collectors on a private
// registry so embedding applications choose whether to expose them.
type promMetrics struct {
	registry *prometheus.Registry

	submitted      *prometheus.CounterVec
	completed      *prometheus.CounterVec
	retries        prometheus.Counter
	queueDepth     *prometheus.GaugeVec
	processingTime *prometheus.HistogramVec
}

func newPromMetrics() *promMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &promMetrics{
		registry: registry,
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serving",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted, by queue tier.",
		}, []string{"tier"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serving",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal status, by tier and status.",
		}, []string{"tier", "status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "serving",
			Subsystem: "scheduler",
			Name:      "task_retries_total",
			Help:      "Task re-queues after a failed or timed-out attempt.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "serving",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current queued tasks per tier.",
		}, []string{"tier"}),
		processingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "serving",
			Subsystem: "scheduler",
			Name:      "task_processing_seconds",
			Help:      "Task processing time, by tier.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
	}
}

// PrometheusRegistry exposes the scheduler's metrics registry.
func (s *Scheduler) PrometheusRegistry() *prometheus.Registry {
	return s.prom.registry
}
