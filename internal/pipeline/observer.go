package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogObserver logs every transition at debug level and failures at warn.
func LogObserver(logger *zap.Logger) Observer {
	return ObserverFunc(func(_ context.Context, t Transition) {
		if t.To == StateFailed {
			logger.Warn("pipeline failed",
				zap.String("stage", t.From.String()),
				zap.String("kind", string(t.Kind)),
				zap.Duration("elapsed", t.Elapsed))
			return
		}
		logger.Debug("pipeline transition",
			zap.String("from", t.From.String()),
			zap.String("to", t.To.String()),
			zap.Duration("elapsed", t.Elapsed))
	})
}

// MetricsObserver records stage latency and run outcomes.
type MetricsObserver struct {
	stageDuration *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
}

func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	m := &MetricsObserver{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarflow_pipeline_stage_duration_seconds",
			Help:    "Time spent in each avatar pipeline stage.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage", "outcome"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_pipeline_runs_total",
			Help: "Finished avatar pipeline runs by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.stageDuration, m.runsTotal)
	return m
}

func (m *MetricsObserver) Observe(_ context.Context, t Transition) {
	if t.From == StateIdle {
		return
	}

	outcome := "ok"
	if t.To == StateFailed {
		outcome = string(t.Kind)
		if outcome == "" {
			outcome = "unknown"
		}
	}
	m.stageDuration.WithLabelValues(t.From.String(), outcome).Observe(t.Elapsed.Seconds())

	if t.To.Terminal() {
		m.runsTotal.WithLabelValues(outcome).Inc()
	}
}
