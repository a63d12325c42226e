package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capwatch",
			Name:      "analyses_total",
			Help:      "Completed analyses by terminal status.",
		}, []string{"status"},
	)
	analysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capwatch",
			Name:      "analysis_duration_seconds",
			Help:      "Wall-clock analyzer runtime by terminal status.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"},
	)
	skipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capwatch",
			Name:      "skipped_total",
			Help:      "Capture files not analyzed, by reason (processed, in_flight, recovered, pending).",
		}, []string{"reason"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capwatch",
			Name:      "failures_total",
			Help:      "Pipeline failures that left a file unmarked or the ledger behind, by phase.",
		}, []string{"phase"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capwatch",
			Name:      "queue_depth",
			Help:      "Capture files waiting for a worker.",
		},
	)
	processedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capwatch",
			Name:      "processed_files",
			Help:      "Size of the in-memory processed set.",
		},
	)
	historySendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capwatch",
			Name:      "history_send_errors_total",
			Help:      "History events a sink failed to accept.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{analyses, analysisDuration, skipped, failures, queueDepth, processedFiles, historySendErrors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveAnalysis(status string, seconds float64) {
	if regOK.Load() {
		analyses.WithLabelValues(status).Inc()
		analysisDuration.WithLabelValues(status).Observe(seconds)
	}
}

func IncSkipped(reason string) {
	if regOK.Load() {
		skipped.WithLabelValues(reason).Inc()
	}
}

func IncFailure(phase string) {
	if regOK.Load() {
		failures.WithLabelValues(phase).Inc()
	}
}

func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}

func SetProcessedFiles(n int) {
	if regOK.Load() {
		processedFiles.Set(float64(n))
	}
}

func IncHistorySendError(sink string) {
	if regOK.Load() {
		historySendErrors.WithLabelValues(sink).Inc()
	}
}
