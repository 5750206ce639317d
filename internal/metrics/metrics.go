// Package metrics exposes workflow counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

// Transition kinds used as label values.
const (
	KindManual    = "manual"
	KindAutomated = "automated"
	KindOverride  = "override"
	KindCreated   = "created"
	KindCompleted = "completed"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	reg                   *prometheus.Registry
	transitions           *prometheus.CounterVec
	requirementsCompleted *prometheus.CounterVec
	automationOutcomes    *prometheus.CounterVec
	lockWait              prometheus.Histogram
	lockFailures          prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase transitions by kind and target phase.",
		}, []string{"kind", "to_phase"}),
		requirementsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requirement_completions_total",
			Help:      "Requirement completions recorded, by phase.",
		}, []string{"phase"}),
		automationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_executions_total",
			Help:      "Automation rule executions by condition and outcome.",
		}, []string{"condition", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "project_lock_wait_seconds",
			Help:      "Time spent waiting for a project lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		lockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "project_lock_failures_total",
			Help:      "Project lock acquisitions that timed out.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.requirementsCompleted,
		m.automationOutcomes,
		m.lockWait,
		m.lockFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Transition(kind, toPhase string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, toPhase).Inc()
}

func (m *Metrics) RequirementCompleted(phase string) {
	if m == nil {
		return
	}
	m.requirementsCompleted.WithLabelValues(phase).Inc()
}

func (m *Metrics) Automation(condition, outcome string) {
	if m == nil {
		return
	}
	m.automationOutcomes.WithLabelValues(condition, outcome).Inc()
}

func (m *Metrics) LockWait(d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
	if !acquired {
		m.lockFailures.Inc()
	}
}
