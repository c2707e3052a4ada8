// Package store implements the durable, embedded-SQL system of record for
// the orchestration kernel: tasks, events, workers, consensus
// requests/votes, breakers, costs, and phases.
package store

import "time"

// Priority lanes, lowest value served first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// TaskState is one of the eleven canonical states from the transition matrix.
type TaskState string

const (
	StateQueued    TaskState = "QUEUED"
	StateRunning   TaskState = "RUNNING"
	StateReview    TaskState = "REVIEW"
	StateApproved  TaskState = "APPROVED"
	StateRejected  TaskState = "REJECTED"
	StateCompleted TaskState = "COMPLETED"
	StateFailed    TaskState = "FAILED"
	StateEscalated TaskState = "ESCALATED"
	StateTimeout   TaskState = "TIMEOUT"
	StatePaused    TaskState = "PAUSED"
	StateCancelled TaskState = "CANCELLED"
)

// Task is the unit of work scheduled through the kernel.
type Task struct {
	ID             string
	Name           string
	Type           string
	Priority       Priority
	State          TaskState
	Lane           string
	Shard          string
	AssignedModel  string
	WorkerID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RetryCount     int
	MaxRetries     int
	ParentTaskID   string
	Payload        string
	Metadata       string
	Result         string
	Error          string
	TraceID        string
	Heartbeat      *time.Time
	LastActivityAt *time.Time
	Checksum       string
	FailureDomain  string
	SubmittedBy    string
}

// WorkerStatus mirrors spec.md §3 Worker.status.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerDead     WorkerStatus = "dead"
	WorkerCrashed  WorkerStatus = "crashed"
)

// Worker is a claim-capable execution context, in-process or a separate OS
// process on the same host.
type Worker struct {
	ID             string
	PID            int
	Hostname       string
	Status         WorkerStatus
	Specialization string
	Shard          string
	Model          string
	StartedAt      time.Time
	LastHeartbeat  time.Time
	TasksCompleted int
	TasksFailed    int
	CrashCount     int
	CurrentTask    string
}

// Event is an append-only record; never updated or deleted.
type Event struct {
	SeqID         int64
	Timestamp     time.Time
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       string
	TraceID       string
	CausationID   string
	CorrelationID string
	Source        string
}

// ConsensusStatus is the lifecycle status of a ConsensusRequest.
type ConsensusStatus string

const (
	ConsensusPending           ConsensusStatus = "PENDING"
	ConsensusInProgress        ConsensusStatus = "IN_PROGRESS"
	ConsensusApproved          ConsensusStatus = "APPROVED"
	ConsensusRejected          ConsensusStatus = "REJECTED"
	ConsensusChangesRequested  ConsensusStatus = "CHANGES_REQUESTED"
	ConsensusTimeout           ConsensusStatus = "TIMEOUT"
	ConsensusError             ConsensusStatus = "ERROR"
)

// ConsensusRequest is a single review fanned out to a delegate roster.
type ConsensusRequest struct {
	ID            string
	TaskID        string
	ReviewType    string
	Subject       string
	Context       string
	Status        ConsensusStatus
	FinalDecision string
	Approvals     int
	Rejections    int
	Abstentions   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TimeoutAt     time.Time
}

// Decision is a delegate's vote decision.
type Decision string

const (
	DecisionApprove         Decision = "APPROVE"
	DecisionReject          Decision = "REJECT"
	DecisionAbstain         Decision = "ABSTAIN"
	DecisionRequestChanges  Decision = "REQUEST_CHANGES"
)

// Vote is one delegate's response to a ConsensusRequest. (RequestID, Model)
// is unique.
type Vote struct {
	RequestID       string
	Model           string
	Decision        Decision
	Confidence      float64
	Reasoning       string
	RequiredChanges string
	LatencyMS       int64
	CreatedAt       time.Time
}

// BreakerState is one of the three circuit states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerRecord is the durable mirror of a per-delegate circuit breaker.
type BreakerRecord struct {
	Model          string
	State          BreakerState
	FailureCount   int
	LastFailure    *time.Time
	LastSuccess    *time.Time
	HalfOpenCalls  int
}

// CostRecord is one delegate call's resource cost.
type CostRecord struct {
	ID           int64
	Model        string
	InputTokens  int64
	OutputTokens int64
	DurationMS   int64
	TaskType     string
	Timestamp    time.Time
	TraceID      string
}

// GateStatus is the outcome of a phase-gate evaluation.
type GateStatus string

const (
	GatePending GateStatus = "PENDING"
	GatePassed  GateStatus = "PASSED"
	GateFailed  GateStatus = "FAILED"
	GateBlocked GateStatus = "BLOCKED"
)

// Phase is one SDLC phase, in the order BRAINSTORM < DOCUMENT < PLAN <
// EXECUTE < TRACK < COMPLETE.
type Phase string

const (
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseDocument   Phase = "DOCUMENT"
	PhasePlan       Phase = "PLAN"
	PhaseExecute    Phase = "EXECUTE"
	PhaseTrack      Phase = "TRACK"
	PhaseComplete   Phase = "COMPLETE"
)

// PhaseOrder is the strict forward ordering of non-terminal phases.
var PhaseOrder = []Phase{PhaseBrainstorm, PhaseDocument, PhasePlan, PhaseExecute, PhaseTrack}

// TaskPhase is one (task, phase) row.
type TaskPhase struct {
	TaskID        string
	Phase         Phase
	StartedAt     time.Time
	CompletedAt   *time.Time
	GateStatus    GateStatus
	GateFailures  string
	GateApprovers string
}

// PhaseArtifact records one artifact produced during a phase.
type PhaseArtifact struct {
	TaskID string
	Phase  Phase
	Name   string
	Ref    string
}
