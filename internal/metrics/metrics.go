// Package metrics holds the Prometheus collectors for evaluations and jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geomopt"

// Outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
)

// Metrics groups the collectors. A nil *Metrics records nothing, so callers
// never need to check.
type Metrics struct {
	// evaluations counts evaluator calls by outcome (ok, error, aborted)
	evaluations *prometheus.CounterVec

	// evaluationDuration measures evaluator calls that ran
	evaluationDuration prometheus.Histogram

	// jobs counts finished jobs by backend and outcome
	jobs *prometheus.CounterVec

	// jobDuration measures whole jobs by backend
	jobDuration *prometheus.HistogramVec

	// activeJobs is the number of jobs currently running
	activeJobs prometheus.Gauge

	// optimizerSteps observes the trajectory length of successful jobs
	optimizerSteps prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Evaluator calls by outcome",
		}, []string{"outcome"}),
		evaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_duration_seconds",
			Help:      "Evaluator call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "jobs_total",
			Help:      "Finished optimization jobs by backend and outcome",
		}, []string{"backend", "outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "job_duration_seconds",
			Help:      "Optimization job wall time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"backend"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "active_jobs",
			Help:      "Optimization jobs currently running",
		}),
		optimizerSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "trajectory_frames",
			Help:      "Frames in the trajectory of successful jobs",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
	}
}

// ObserveEvaluation records one evaluator call. Aborted calls never reach
// the evaluator and carry no duration.
func (m *Metrics) ObserveEvaluation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	if outcome != OutcomeAborted {
		m.evaluationDuration.Observe(d.Seconds())
	}
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished records the end of a job started with JobStarted. frames is
// ignored unless the job succeeded.
func (m *Metrics) JobFinished(backend, outcome string, d time.Duration, frames int) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobs.WithLabelValues(backend, outcome).Inc()
	m.jobDuration.WithLabelValues(backend).Observe(d.Seconds())
	if outcome == OutcomeOK {
		m.optimizerSteps.Observe(float64(frames))
	}
}
