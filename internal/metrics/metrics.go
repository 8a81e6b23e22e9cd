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

	patchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchgate",
			Subsystem: "patch",
			Name:      "transitions_total",
			Help:      "Number of audited patch transitions by status.",
		}, []string{"status"},
	)
	executorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patchgate",
			Subsystem: "patch",
			Name:      "executor_duration_seconds",
			Help:      "Duration of apply and rollback executor invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "outcome"},
	)
	pendingPatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchgate",
			Subsystem: "patch",
			Name:      "pending",
			Help:      "Number of patches waiting in the pending index.",
		},
	)
	loopIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchgate",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Completed work cycle iterations.",
		},
	)
	loopErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchgate",
			Subsystem: "loop",
			Name:      "errors_total",
			Help:      "Work cycle iterations that failed or panicked.",
		},
	)
	loopPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchgate",
			Subsystem: "loop",
			Name:      "paused",
			Help:      "1 while the runtime is paused, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{patchTransitions, executorDuration, pendingPatches, loopIterations, loopErrors, loopPaused}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTransition(status string) {
	if regOK.Load() {
		patchTransitions.WithLabelValues(status).Inc()
	}
}

func ObserveExecutor(action string, ok bool, seconds float64) {
	if regOK.Load() {
		outcome := "failure"
		if ok {
			outcome = "success"
		}
		executorDuration.WithLabelValues(action, outcome).Observe(seconds)
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingPatches.Set(float64(n))
	}
}

func IncLoopIteration() {
	if regOK.Load() {
		loopIterations.Inc()
	}
}

func IncLoopError() {
	if regOK.Load() {
		loopErrors.Inc()
	}
}

func SetPaused(paused bool) {
	if regOK.Load() {
		var v float64
		if paused {
			v = 1
		}
		loopPaused.Set(v)
	}
}
