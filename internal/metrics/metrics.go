package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts by cause (crash, unhealthy, recovery).",
		}, []string{"name", "cause"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of process stops (graceful or kill).",
		}, []string{"name"},
	)
	processUptime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Uptime of each process run at exit.",
			Buckets:   []float64{1, 5, 20, 60, 300, 1800, 3600, 21600, 86400},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of watchdog state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current watchdog state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	restartFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "consecutive_restart_failures",
			Help:      "Consecutive restart failures since the last stable run.",
		}, []string{"name"},
	)
	preflightChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "checks_total",
			Help:      "Preflight check outcomes by check and status.",
		}, []string{"check", "status"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probe results.",
		}, []string{"name", "status"},
	)
	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Emergency recovery attempts by result.",
		}, []string{"result"},
	)
	recoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Recovery actions by type and disposition (executed, rejected, failed).",
		}, []string{"type", "disposition"},
	)
	queueAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Request attempts per lane by outcome.",
		}, []string{"lane", "outcome"},
	)
	queueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of individual request attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lane"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops, processUptime, stateTransitions, currentStates,
		restartFailures, preflightChecks, healthProbes, recoveryAttempts, recoveryActions,
		queueAttempts, queueLatency,
		processCPUPercent, processMemoryMB, processNumThreads, processNumFDs,
	}
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, cause string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, cause).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func ObserveUptime(name string, seconds float64) {
	if regOK.Load() {
		processUptime.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetRestartFailures(name string, n int) {
	if regOK.Load() {
		restartFailures.WithLabelValues(name).Set(float64(n))
	}
}

func IncPreflightCheck(check, status string) {
	if regOK.Load() {
		preflightChecks.WithLabelValues(check, status).Inc()
	}
}

func IncHealthProbe(name, status string) {
	if regOK.Load() {
		healthProbes.WithLabelValues(name, status).Inc()
	}
}

func IncRecoveryAttempt(result string) {
	if regOK.Load() {
		recoveryAttempts.WithLabelValues(result).Inc()
	}
}

func IncRecoveryAction(actionType, disposition string) {
	if regOK.Load() {
		recoveryActions.WithLabelValues(actionType, disposition).Inc()
	}
}

func ObserveQueueAttempt(lane, outcome string, seconds float64) {
	if regOK.Load() {
		queueAttempts.WithLabelValues(lane, outcome).Inc()
		queueLatency.WithLabelValues(lane).Observe(seconds)
	}
}
