package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gwfailover"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "checks_total",
			Help:      "Number of health probes by candidate and result.",
		}, []string{"candidate", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Latency of health probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"candidate"},
	)
	failoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "failovers_total",
			Help:      "Number of completed failovers.",
		}, []string{"from", "to"},
	)
	failedAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "failed_attempts_total",
			Help:      "Failover attempts aborted by a render, start or stop error.",
		}, []string{"stage"},
	)
	allDownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "all_down_total",
			Help:      "Number of scans that found no healthy candidate.",
		},
	)
	generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "generation",
			Help:      "Current assignment generation.",
		},
	)
	activeCandidate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "active_candidate",
			Help:      "1 for the candidate the gateway is configured against, 0 otherwise.",
		}, []string{"candidate"},
	)
	controllerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "state",
			Help:      "Current controller state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	gatewayStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "starts_total",
			Help:      "Number of successful gateway starts.",
		},
	)
	gatewayStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "stops_total",
			Help:      "Number of gateway stops (graceful or kill).",
		},
	)
	gatewayKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "kills_total",
			Help:      "Number of stops that escalated to SIGKILL.",
		},
	)
	gatewayTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "state_transitions_total",
			Help:      "Number of gateway lifecycle state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		probesTotal, probeDuration, failoversTotal, failedAttempts, allDownTotal,
		generation, activeCandidate, controllerState,
		gatewayStarts, gatewayStops, gatewayKills, gatewayTransitions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

func ObserveProbe(candidate string, healthy bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	probesTotal.WithLabelValues(candidate, result).Inc()
	probeDuration.WithLabelValues(candidate).Observe(seconds)
}

func IncFailover(from, to string) {
	if regOK.Load() {
		failoversTotal.WithLabelValues(from, to).Inc()
	}
}

func IncFailedAttempt(stage string) {
	if regOK.Load() {
		failedAttempts.WithLabelValues(stage).Inc()
	}
}

func IncAllDown() {
	if regOK.Load() {
		allDownTotal.Inc()
	}
}

func SetGeneration(g uint64) {
	if regOK.Load() {
		generation.Set(float64(g))
	}
}

// SetActive marks candidate as active and clears the previous one.
func SetActive(prev, candidate string) {
	if !regOK.Load() {
		return
	}
	if prev != "" && prev != candidate {
		activeCandidate.WithLabelValues(prev).Set(0)
	}
	activeCandidate.WithLabelValues(candidate).Set(1)
}

func SetControllerState(from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		controllerState.WithLabelValues(from).Set(0)
	}
	controllerState.WithLabelValues(to).Set(1)
}

func IncGatewayStart() {
	if regOK.Load() {
		gatewayStarts.Inc()
	}
}

func IncGatewayStop() {
	if regOK.Load() {
		gatewayStops.Inc()
	}
}

func IncGatewayKill() {
	if regOK.Load() {
		gatewayKills.Inc()
	}
}

func RecordGatewayTransition(from, to string) {
	if regOK.Load() {
		gatewayTransitions.WithLabelValues(from, to).Inc()
	}
}
