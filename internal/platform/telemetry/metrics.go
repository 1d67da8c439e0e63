// Package telemetry exposes the Prometheus collectors shared by the access
// core. All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package telemetry

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "consentcore"

type Metrics struct {
	registry *prometheus.Registry

	decisions          *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerFallbacks   *prometheus.CounterVec
	auditWritten       prometheus.Counter
	auditDropped       prometheus.Counter
	auditFailed        prometheus.Counter
	cacheLookups       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access decisions by result and decision path.",
		}, []string{"result", "path"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "to"}),
		breakerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_fallbacks_total",
			Help:      "Calls served by a fallback instead of the primary.",
		}, []string{"dependency"}),
		auditWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_written_total",
			Help:      "Audit entries persisted.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_dropped_total",
			Help:      "Audit entries dropped because the queue was full or closed.",
		}),
		auditFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries the store failed to persist.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and outcome.",
		}, []string{"cache", "outcome"}),
	}
	reg.MustRegister(
		m.decisions, m.breakerState, m.breakerTransitions, m.breakerFallbacks,
		m.auditWritten, m.auditDropped, m.auditFailed, m.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(result, path string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(result, path).Inc()
}

func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}

func (m *Metrics) BreakerTransition(dependency, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(dependency, to).Inc()
}

func (m *Metrics) BreakerFallback(dependency string) {
	if m == nil {
		return
	}
	m.breakerFallbacks.WithLabelValues(dependency).Inc()
}

func (m *Metrics) AuditWritten() {
	if m == nil {
		return
	}
	m.auditWritten.Inc()
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) AuditFailed() {
	if m == nil {
		return
	}
	m.auditFailed.Inc()
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(cache, "miss").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterRoutes mounts GET /metrics.
func (m *Metrics) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
}
