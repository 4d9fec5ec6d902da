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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of workers that reached running.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested worker stops.",
		}, []string{"service"},
	)
	serviceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "failures_total",
			Help:      "Worker failures by kind (provision, spawn, health, crash).",
		}, []string{"service", "kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of status transitions between worker states.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current status of workers (1 = current, 0 = not).",
		}, []string{"service", "state"},
	)
	healthProbe = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "health_probe_seconds",
			Help:      "Time from spawn until the readiness endpoint answered or gave up.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"service", "outcome"},
	)
	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "service",
			Name:      "provision_seconds",
			Help:      "Duration of isolated runtime provisioning.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"service", "outcome"},
	)
	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by operation and outcome.",
		}, []string{"name", "outcome"},
	)
	relayPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "relay",
			Name:      "pending",
			Help:      "Relay requests awaiting a reply.",
		},
	)
)

// States lists every worker status so SetCurrentState can zero the others.
var States = []string{"not_configured", "stopped", "starting", "running", "stopping", "error"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceFailures, stateTransitions, currentStates,
		healthProbe, provisionDuration, relayRequests, relayPending,
		usageCPU, usageMemory, usageThreads, usageFDs,
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

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncFailure(service, kind string) {
	if regOK.Load() {
		serviceFailures.WithLabelValues(service, kind).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

// SetCurrentState marks state as the current one for service.
func SetCurrentState(service, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(service, s).Set(v)
	}
}

func ObserveHealthProbe(service, outcome string, seconds float64) {
	if regOK.Load() {
		healthProbe.WithLabelValues(service, outcome).Observe(seconds)
	}
}

func ObserveProvision(service, outcome string, seconds float64) {
	if regOK.Load() {
		provisionDuration.WithLabelValues(service, outcome).Observe(seconds)
	}
}

func IncRelayRequest(name, outcome string) {
	if regOK.Load() {
		relayRequests.WithLabelValues(name, outcome).Inc()
	}
}

func SetRelayPending(n int) {
	if regOK.Load() {
		relayPending.Set(float64(n))
	}
}
