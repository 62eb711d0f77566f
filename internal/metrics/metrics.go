// Package metrics owns the Prometheus collectors shared across the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/safemode/link-scanner/internal/resilience"
)

// Metrics aggregates every collector the scanner exports. A nil *Metrics is
// valid everywhere and records nothing, so tests can skip wiring it.
type Metrics struct {
	scansTotal          *prometheus.CounterVec
	providerOutcomes    *prometheus.CounterVec
	cacheHits           *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	shortenerExpansions *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkscanner",
			Name:      "scans_total",
			Help:      "Completed scans by verdict and degraded flag.",
		}, []string{"verdict", "degraded"}),
		providerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkscanner",
			Name:      "provider_lookups_total",
			Help:      "Provider consultations by outcome status.",
		}, []string{"provider", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkscanner",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by layer and hit/miss.",
		}, []string{"layer", "result"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkscanner",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"service", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "linkscanner",
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
		shortenerExpansions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkscanner",
			Name:      "shortener_expansions_total",
			Help:      "Shortener expansion attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
	}
	reg.MustRegister(
		m.scansTotal,
		m.providerOutcomes,
		m.cacheHits,
		m.breakerTransitions,
		m.breakerState,
		m.shortenerExpansions,
	)
	return m
}

func (m *Metrics) ObserveScan(verdict string, degraded bool) {
	if m == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	m.scansTotal.WithLabelValues(verdict, label).Inc()
}

func (m *Metrics) ObserveProvider(provider, status string) {
	if m == nil {
		return
	}
	m.providerOutcomes.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) ObserveCache(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheHits.WithLabelValues(layer, result).Inc()
}

func (m *Metrics) ObserveExpansion(strategy, outcome string) {
	if m == nil {
		return
	}
	m.shortenerExpansions.WithLabelValues(strategy, outcome).Inc()
}

// BreakerObserver returns an OnStateChange hook for one service's breaker.
func (m *Metrics) BreakerObserver(service string) func(to, from resilience.State) {
	return func(to, from resilience.State) {
		if m == nil {
			return
		}
		m.breakerTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
		m.breakerState.WithLabelValues(service).Set(float64(to))
	}
}
