package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	QueryOutcomeOK       = "ok"
	QueryOutcomeRejected = "rejected"
	QueryOutcomeError    = "error"
	QueryOutcomeMissing  = "missing"
)

var (
	workflowRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygraph_workflow_runs_total",
			Help: "Total number of workflow runs by outcome.",
		},
		[]string{"outcome"},
	)
	workflowStepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygraph_workflow_step_duration_seconds",
			Help:    "Workflow step latency by node and status.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"node", "status"},
	)
	oracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygraph_oracle_requests_total",
			Help: "Total number of oracle requests by provider and status.",
		},
		[]string{"provider", "status"},
	)
	oracleRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygraph_oracle_request_duration_seconds",
			Help:    "Oracle request latency by provider.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
	queryOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygraph_query_outcomes_total",
			Help: "Total number of generated queries by execution outcome.",
		},
		[]string{"outcome"},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygraph_auth_failures_total",
			Help: "Total number of rejected API requests by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		workflowRunsTotal,
		workflowStepDurationSeconds,
		oracleRequestsTotal,
		oracleRequestDurationSeconds,
		queryOutcomesTotal,
		authFailuresTotal,
	)
}

func ObserveWorkflowStep(node string, elapsed time.Duration, err error) {
	workflowStepDurationSeconds.WithLabelValues(node, statusLabel(err)).Observe(elapsed.Seconds())
}

// ObserveWorkflowRun counts a finished run; outcome is "completed", "failed" or "cancelled".
func ObserveWorkflowRun(outcome string) {
	workflowRunsTotal.WithLabelValues(outcome).Inc()
}

func ObserveOracleRequest(provider string, elapsed time.Duration, err error) {
	oracleRequestsTotal.WithLabelValues(provider, statusLabel(err)).Inc()
	oracleRequestDurationSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func ObserveQueryOutcome(outcome string) {
	queryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveAuthFailure counts a rejected request; reason is "missing_key" or "invalid_key".
func ObserveAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}
