package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "iacengine"

var (
	metricsRegistry = prometheus.NewRegistry()

	changesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "changes_total",
		Help:      "Resource changes applied, by operation and outcome.",
	}, []string{"operation", "outcome"})

	changeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "change_duration_seconds",
		Help:      "Time spent invoking an effector for one change.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	wavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "waves_total",
		Help:      "Execution waves run, by outcome.",
	}, []string{"outcome"})

	rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rollbacks_total",
		Help:      "Rollbacks performed, by whether they completed fully or partially.",
	}, []string{"outcome"})
)

func init() {
	metricsRegistry.MustRegister(changesTotal, changeDuration, wavesTotal, rollbacksTotal)
}

// RecordChange records the outcome and duration of one applied change.
func RecordChange(operation, outcome string, duration time.Duration) {
	changesTotal.WithLabelValues(operation, outcome).Inc()
	changeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWave records whether an execution wave finished clean or with a failure.
func RecordWave(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	wavesTotal.WithLabelValues(outcome).Inc()
}

// RecordRollback records whether a rollback reversed every change or left
// some resources in an indeterminate, manually-reconciled state.
func RecordRollback(partial bool) {
	outcome := "complete"
	if partial {
		outcome = "partial"
	}
	rollbacksTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the engine's Prometheus metrics in text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}
