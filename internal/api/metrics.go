package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "avatarflow"

// Metrics owns the API registry. Pipeline stage metrics register into it
// through Registry so a single scrape covers both.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	rateLimited     *prometheus.CounterVec
	enqueued        *prometheus.CounterVec
	prepareOutcomes *prometheus.CounterVec
	prepareLatency  *prometheus.HistogramVec
	uploadBytes     prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	httpLabels := []string{"method", "route", "status"}

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests handled by the API.",
		}, httpLabels),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, httpLabels),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "requests_in_flight",
			Help: "API requests currently being served.",
		}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "API requests rejected by the token bucket.",
		}, []string{"route"}),
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Avatar jobs handed to the queue.",
		}, []string{"queue"}),
		prepareOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "prepare_total",
			Help: "Synchronous prepare requests by outcome.",
		}, []string{"outcome"}),
		prepareLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "prepare_duration_seconds",
			Help:    "Pipeline time of synchronous prepare requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),
		uploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "upload_bytes",
			Help:    "Size of accepted prepare uploads.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 7),
		}),
	}
}

func (m *Metrics) Registry() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observePrepare(err error, elapsed time.Duration) {
	outcome := outcomeLabel(err)
	m.prepareOutcomes.WithLabelValues(outcome).Inc()
	m.prepareLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r.URL.Path),
			"status": strconv.Itoa(rec.status),
		}
		m.requests.With(labels).Inc()
		m.latency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses job ids so label cardinality stays bounded.
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/start") {
			return "/v1/jobs/{id}/start"
		}
		return "/v1/jobs/{id}"
	}
	switch path {
	case "/v1/avatars/prepare", "/v1/jobs", "/v1/styles", "/healthz", "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
