package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsStatusSuccess = "success"
	metricsStatusFailed  = "failed"
)

var (
	metricsRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartquery_workflow_runs_total",
			Help: "Number of workflow runs by terminal status",
		},
		[]string{"variant", "status"},
	)

	metricsStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartquery_workflow_stage_duration_seconds",
			Help:    "Duration of workflow stages",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"variant", "stage"},
	)

	metricsStageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartquery_workflow_stage_failures_total",
			Help: "Number of failed workflow stages",
		},
		[]string{"variant", "stage"},
	)

	metricsSummaryFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartquery_summary_fallbacks_total",
			Help: "Number of runs whose summary fell back to the template",
		},
		[]string{"variant"},
	)
)
