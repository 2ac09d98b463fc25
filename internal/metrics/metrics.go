// Package metrics holds the prometheus collectors for capture workflows.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WorkflowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyc_capture_workflows_total",
			Help: "Count of finished capture workflows",
		},
		[]string{"outcome", "reason"},
	)
	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kyc_capture_workflow_duration_seconds",
			Help:    "Time from workflow start to a terminal phase",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	ActiveWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kyc_capture_active_workflows",
			Help: "Current number of running capture workflows",
		},
	)
	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyc_capture_phase_transitions_total",
			Help: "Count of workflow phase transitions",
		},
		[]string{"phase"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyc_capture_submissions_total",
			Help: "Count of KYC submissions of selected frames",
		},
		[]string{"status"}, // ok, error
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WorkflowOutcomes,
			WorkflowDuration,
			ActiveWorkflows,
			PhaseTransitions,
			Submissions,
		)
	})
}
