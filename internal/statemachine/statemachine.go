// Package statemachine enforces the task lifecycle's transition matrix and
// retry/escalation policy on top of internal/store's atomic claim/transition
// primitives, generalizing the teacher's optimistic-concurrency
// UpdateStateStatus (an expectedVersion guard over one column) into a guard
// over the state column itself.
package statemachine

import (
	"context"
	"fmt"

	"github.com/trikernel/orchestrator/internal/store"
)

// transitions is the full matrix of legal state moves, matching spec §4.3's
// table exactly, with one documented addition: RUNNING -> QUEUED, needed by
// preemption (internal/queue.Preempt) and the healer's stale-worker
// requeue, neither of which the table's "RUNNING -> ... TIMEOUT" path alone
// covers since both return a still-RUNNING task straight to QUEUED without
// passing through TIMEOUT. A transition not listed here is rejected before
// ever reaching the database.
var transitions = map[store.TaskState][]store.TaskState{
	store.StateQueued:   {store.StateRunning, store.StateCancelled},
	store.StateRunning:  {store.StateReview, store.StateTimeout, store.StatePaused, store.StateCancelled, store.StateFailed, store.StateCompleted, store.StateQueued},
	store.StateReview:   {store.StateApproved, store.StateRejected, store.StateEscalated, store.StateFailed},
	store.StateRejected: {store.StateQueued, store.StateEscalated},
	store.StateTimeout:  {store.StateQueued, store.StateEscalated},
	store.StatePaused:   {store.StateRunning, store.StateCancelled, store.StateQueued},
	store.StateApproved: {store.StateCompleted, store.StateEscalated},
	store.StateFailed:   {store.StateQueued, store.StateEscalated, store.StateCancelled},
	// COMPLETED, ESCALATED, and CANCELLED are terminal: no outgoing transitions.
}

// ErrIllegalTransition is returned when from->to is not in the matrix.
var ErrIllegalTransition = fmt.Errorf("illegal state transition")

func legal(from, to store.TaskState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates from->to against the matrix, then performs the
// conditional update. store.ErrConflict surfaces if the task's state
// changed concurrently between the caller's read and this call.
func Transition(ctx context.Context, db *store.DB, taskID string, from, to store.TaskState) error {
	if !legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if err := db.TransitionTask(ctx, taskID, from, to); err != nil {
		return err
	}
	_, err := db.AppendEvent(ctx, &store.Event{
		AggregateType: "task", AggregateID: taskID, EventType: "state_changed",
		Payload: fmt.Sprintf(`{"from":%q,"to":%q}`, from, to), Source: "statemachine",
	})
	return err
}

// Claim atomically assigns the next eligible QUEUED task to worker.
func Claim(ctx context.Context, db *store.DB, workerID string, types []string, shard, model string) (*store.Task, error) {
	task, err := db.ClaimTask(ctx, workerID, types, shard, model)
	if err != nil || task == nil {
		return task, err
	}
	_, err = db.AppendEvent(ctx, &store.Event{
		AggregateType: "task", AggregateID: task.ID, EventType: "claimed",
		Payload: fmt.Sprintf(`{"worker_id":%q}`, workerID), Source: "statemachine",
	})
	return task, err
}

// Fail transitions a task out of RUNNING/REVIEW on failure, retrying via
// QUEUED while retry_count < max_retries and escalating once the budget is
// exhausted — the policy named in spec.md §4.3's retry/escalation rules.
func Fail(ctx context.Context, db *store.DB, task *store.Task, failureReason string) error {
	if err := db.SetResult(ctx, task.ID, "", failureReason); err != nil {
		return err
	}
	return retryOrEscalate(ctx, db, task, store.StateFailed)
}

// Timeout transitions a stalled task the same way Fail does, but from the
// TIMEOUT source state (a worker stopped heartbeating).
func Timeout(ctx context.Context, db *store.DB, task *store.Task) error {
	return retryOrEscalate(ctx, db, task, store.StateTimeout)
}

// Reject transitions a REVIEW-failed task: consensus REJECT decisions
// follow the same retry/escalation policy as execution failures.
func Reject(ctx context.Context, db *store.DB, task *store.Task, reason string) error {
	if err := db.SetResult(ctx, task.ID, "", reason); err != nil {
		return err
	}
	return retryOrEscalate(ctx, db, task, store.StateRejected)
}

func retryOrEscalate(ctx context.Context, db *store.DB, task *store.Task, from store.TaskState) error {
	if err := Transition(ctx, db, task.ID, task.State, from); err != nil {
		return err
	}
	retryCount, maxRetries, err := db.IncrementRetry(ctx, task.ID)
	if err != nil {
		return err
	}
	if retryCount <= maxRetries {
		return Transition(ctx, db, task.ID, from, store.StateQueued)
	}
	return Transition(ctx, db, task.ID, from, store.StateEscalated)
}

// Complete marks a task COMPLETED with its final result payload.
func Complete(ctx context.Context, db *store.DB, task *store.Task, result string) error {
	if err := db.SetResult(ctx, task.ID, result, ""); err != nil {
		return err
	}
	return Transition(ctx, db, task.ID, task.State, store.StateCompleted)
}
