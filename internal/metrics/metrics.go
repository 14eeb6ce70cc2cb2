// Package metrics exposes Prometheus instrumentation for the event pipeline
// and the supervision workflow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the daemon registers. Label values are
// low-cardinality by construction (stage names, outcomes, decisions).
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	StageFailures   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	PendingCases    prometheus.Gauge
	CaseResolutions *prometheus.CounterVec
	DeliveryJobs    *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caddie_events_processed_total",
			Help: "Inbound events handled, by outcome (sent, pending, error).",
		}, []string{"outcome"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caddie_stage_failures_total",
			Help: "Pipeline stage failures, by stage.",
		}, []string{"stage"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caddie_stage_duration_seconds",
			Help:    "Pipeline stage latency, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		PendingCases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caddie_pending_cases",
			Help: "Supervision cases currently awaiting a decision.",
		}),
		CaseResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caddie_case_resolutions_total",
			Help: "Supervision case resolutions, by decision.",
		}, []string{"decision"}),
		DeliveryJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caddie_delivery_jobs_total",
			Help: "Outbound delivery job completions, by status.",
		}, []string{"status"}),
	}
}

// RecordJob counts one delivery job outcome.
func (m *Metrics) RecordJob(status string) {
	m.DeliveryJobs.WithLabelValues(status).Inc()
}
