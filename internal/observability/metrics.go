// Package observability exposes the kernel's Prometheus metrics, following
// the teacher's package-level promauto.New*Vec variable-block convention
// (control_plane/observability/metrics.go) with the namespace renamed and
// the metric set narrowed to this domain's components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending tasks per priority lane.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_queue_depth",
		Help: "Current number of QUEUED tasks by priority lane",
	}, []string{"priority"})

	// QueueOldestTaskAge tracks the age of the oldest queued task per lane.
	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_queue_oldest_task_age_seconds",
		Help: "Age in seconds of the oldest QUEUED task by priority lane",
	}, []string{"priority"})

	// TaskTransitions counts every state machine transition.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_task_transitions_total",
		Help: "Total task state transitions",
	}, []string{"from", "to"})

	// TaskRetries counts retry-vs-escalate outcomes.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_task_retries_total",
		Help: "Total task retries, labeled by the state that triggered the retry",
	}, []string{"from_state"})

	// TaskEscalations counts tasks that exhausted their retry budget.
	TaskEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_task_escalations_total",
		Help: "Total tasks escalated after exhausting retry budget",
	}, []string{"from_state"})

	// DelegateCallDuration tracks per-model delegate call latency.
	DelegateCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trikernel_delegate_call_duration_seconds",
		Help:    "Delegate call duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"model", "outcome"})

	// DelegateCallsTotal counts delegate calls by model and outcome.
	DelegateCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_delegate_calls_total",
		Help: "Total delegate calls",
	}, []string{"model", "outcome"}) // outcome: ok, error, malformed_envelope

	// BreakerState tracks each delegate's circuit breaker state.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_breaker_state",
		Help: "Circuit breaker state per delegate (0=closed, 1=half_open, 2=open)",
	}, []string{"model"})

	// ConsensusDecisions counts consensus outcomes by decision.
	ConsensusDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_consensus_decisions_total",
		Help: "Total consensus review outcomes",
	}, []string{"review_type", "decision"})

	// ConsensusVotes counts individual delegate votes.
	ConsensusVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_consensus_votes_total",
		Help: "Total delegate votes cast during consensus reviews",
	}, []string{"model", "decision"})

	// PhaseGateResults counts phase-gate evaluation outcomes.
	PhaseGateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_phase_gate_results_total",
		Help: "Total phase-gate evaluations by phase and result",
	}, []string{"phase", "status"})

	// DailySpendTokens tracks projected daily spend per delegate.
	DailySpendTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_daily_spend_tokens",
		Help: "Tokens spent today per delegate model",
	}, []string{"model"})

	// CostPauseActive tracks whether the global pause flag is set.
	CostPauseActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trikernel_cost_pause_active",
		Help: "1 if the cost/operator pause flag is currently set, else 0",
	})

	// WorkerCount tracks live workers by status.
	WorkerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_worker_count",
		Help: "Current number of workers by status",
	}, []string{"status"})

	// LeaderEpoch tracks the current host-leader fencing epoch.
	LeaderEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trikernel_leader_epoch",
		Help: "Current fencing epoch of the host leader",
	})

	// LeaderTransitions counts leadership acquire/lose events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_leader_transitions_total",
		Help: "Total leadership transitions",
	}, []string{"event"}) // event: acquired, lost

	// RateLimiterRejections counts calls rejected by the per-delegate token
	// bucket.
	RateLimiterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trikernel_rate_limiter_rejections_total",
		Help: "Total calls rejected by the rate limiter",
	}, []string{"key"})

	// HealthStatus tracks the healer's overall and per-subcheck status
	// (0=healthy, 1=degraded, 2=critical).
	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trikernel_health_status",
		Help: "Current health status by subcheck (and \"overall\")",
	}, []string{"subcheck"})

	// IncidentsCaptured counts ESCALATED-triggered incident snapshots.
	IncidentsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trikernel_incidents_captured_total",
		Help: "Total incident snapshots captured on task escalation",
	})
)

// StatusValue maps a heal.Status string to the numeric gauge value used by
// HealthStatus, matching the teacher's SchedulerMode integer-encoding
// convention for enum-valued gauges.
func StatusValue(status string) float64 {
	switch status {
	case "healthy":
		return 0
	case "degraded":
		return 1
	case "critical":
		return 2
	default:
		return -1
	}
}
