package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the worker registry. The pipeline's stage observer registers
// into the same registry so one endpoint serves both.
type Metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	failuresTotal        *prometheus.CounterVec
	activeJobs           prometheus.Gauge
	pixelsProcessedTotal prometheus.Counter
	resizedTotal         prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
	webhookFailuresTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_worker_jobs_total",
			Help: "Avatar jobs handled by the worker, by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarflow_worker_job_duration_seconds",
			Help:    "End-to-end duration of each avatar job attempt.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source_type", "status"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_worker_failures_total",
			Help: "Failed avatar job attempts by error kind and whether they will be retried.",
		}, []string{"kind", "retry"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avatarflow_worker_active_jobs",
			Help: "Avatar jobs currently running in this worker.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_usage_pixels_processed_total",
			Help: "Output pixels produced across successful jobs.",
		}),
		resizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_usage_resized_total",
			Help: "Successful jobs whose source exceeded the maximum edge.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_usage_compute_time_ms_total",
			Help: "Compute time in milliseconds across successful jobs.",
		}),
		webhookFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_worker_webhook_failures_total",
			Help: "Webhook events that could not be delivered.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.failuresTotal,
		m.activeJobs,
		m.pixelsProcessedTotal,
		m.resizedTotal,
		m.computeTimeMSTotal,
		m.webhookFailuresTotal,
	)
	return m
}

func (m *Metrics) Registry() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
