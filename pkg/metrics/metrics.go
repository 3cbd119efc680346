// Package metrics records batch counters for the prepare, invert and review
// workflows. Batches are short-lived, so the registry is written out as a
// node-exporter textfile instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics provides observability for one batch run.
type Metrics struct {
	registry *prometheus.Registry

	CasesProcessed *prometheus.CounterVec
	CaseDuration   *prometheus.HistogramVec
	VerdictMatches *prometheus.CounterVec
	EmptyCrops     prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CasesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctorganprep_cases_total",
			Help: "Cases handled, by workflow and outcome",
		}, []string{"workflow", "outcome"}),
		CaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctorganprep_case_duration_seconds",
			Help:    "Wall time spent on one case",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"workflow"}),
		VerdictMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctorganprep_review_verdicts_total",
			Help: "Review verdicts compared against the expected label, by step and match",
		}, []string{"step", "match"}),
		EmptyCrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctorganprep_empty_foreground_total",
			Help: "Forward passes that fell back to the full extent",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCase records one case outcome and its duration.
// Call with time.Now() at the start of the case.
func (m *Metrics) ObserveCase(workflow, outcome string, start time.Time) {
	m.CasesProcessed.WithLabelValues(workflow, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.CaseDuration.WithLabelValues(workflow).Observe(time.Since(start).Seconds())
	}
}

// ObserveVerdict records whether a review verdict matched its label.
func (m *Metrics) ObserveVerdict(step string, match bool) {
	label := "false"
	if match {
		label = "true"
	}
	m.VerdictMatches.WithLabelValues(step, label).Inc()
}

// IncrementEmptyCrop records a forward pass without foreground.
func (m *Metrics) IncrementEmptyCrop() {
	m.EmptyCrops.Inc()
}

// WriteTextfile writes the registry in the text exposition format. An empty
// path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
