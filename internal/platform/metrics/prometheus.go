// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	TasksDispatched   *prometheus.CounterVec
	TasksQueued       *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	TasksFailed       *prometheus.CounterVec
	TasksCancelled    *prometheus.CounterVec
	TasksRetried      *prometheus.CounterVec
	TasksInProgress   *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	SchedulerSize     prometheus.Gauge
	ExecutionDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all engine metrics under the namespace, on
// a private registry so embedding hosts keep their own default
// registerer clean.
func New(namespace string) *Metrics {
	m := &Metrics{
		TasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of tasks accepted by the dispatcher",
			},
			[]string{"queue"},
		),
		TasksQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_queued_total",
				Help:      "Total number of tasks enqueued",
			},
			[]string{"queue"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks completed successfully",
			},
			[]string{"queue"},
		),
		TasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that exhausted their retries",
			},
			[]string{"queue"},
		),
		TasksCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_cancelled_total",
				Help:      "Total number of tasks cancelled",
			},
			[]string{"queue"},
		),
		TasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_retried_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"queue"},
		),
		TasksInProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of tasks currently executing",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of tasks waiting in each queue",
			},
			[]string{"queue"},
		),
		SchedulerSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_size",
				Help:      "Number of tasks held by the scheduler",
			},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Handler execution duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TasksDispatched,
		m.TasksQueued,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksCancelled,
		m.TasksRetried,
		m.TasksInProgress,
		m.QueueDepth,
		m.SchedulerSize,
		m.ExecutionDuration,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
