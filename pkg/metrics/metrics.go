// Package metrics exposes Prometheus instruments for pipeline runs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rflow"

// Metrics groups the collectors recorded by the engine and tool layer.
type Metrics struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	steps           *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	modelCalls      *prometheus.CounterVec
	modelFailures   *prometheus.CounterVec
	toolInvocations *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Pipeline runs by terminal state.",
		}, []string{"state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total",
			Help: "Executed steps by status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Wall time per step including tool resolution and the model call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "model_calls_total",
			Help: "Model calls by model and outcome.",
		}, []string{"model", "outcome"}),
		modelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "model_failures_total",
			Help: "Provider failures that flagged a model as failing.",
		}, []string{"model", "kind"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_invocations_total",
			Help: "Tool placeholder resolutions by class and outcome.",
		}, []string{"class", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "extraction_cache_lookups_total",
			Help: "Parameter extraction cache lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.runs, m.steps, m.stepDuration, m.modelCalls,
		m.modelFailures, m.toolInvocations, m.cacheLookups)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

func (m *Metrics) StepFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) ModelCall(model string, ok bool) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(model, outcome(ok)).Inc()
}

func (m *Metrics) ModelFailure(model, kind string) {
	if m == nil {
		return
	}
	m.modelFailures.WithLabelValues(model, kind).Inc()
}

func (m *Metrics) ToolInvoked(class string, ok bool) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(class, outcome(ok)).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
