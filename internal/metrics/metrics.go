// Package metrics exposes the Prometheus instrumentation of the
// orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors; a single instance is shared across
// components and registered once at startup.
type Metrics struct {
	Launches          *prometheus.CounterVec
	AdmissionRefusals prometheus.Counter
	AutoLaunches      prometheus.Counter
	Reconciliations   *prometheus.CounterVec
	ActiveWorkflows   prometheus.Gauge
}

// New builds and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labelforge",
			Name:      "workflow_launches_total",
			Help:      "Workflow launches by outcome.",
		}, []string{"outcome"}),
		AdmissionRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labelforge",
			Name:      "admission_refusals_total",
			Help:      "Launch attempts refused by the admission rule.",
		}),
		AutoLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labelforge",
			Name:      "auto_launches_total",
			Help:      "Workflows launched by the annotation watchdog.",
		}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labelforge",
			Name:      "reconciliations_total",
			Help:      "History rows repaired by reconciliation, by kind.",
		}, []string{"kind"}),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labelforge",
			Name:      "active_workflows",
			Help:      "Currently running workflows across all projects.",
		}),
	}

	reg.MustRegister(
		m.Launches,
		m.AdmissionRefusals,
		m.AutoLaunches,
		m.Reconciliations,
		m.ActiveWorkflows,
	)
	return m
}

// NewUnregistered builds collectors without registering them; used in tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
