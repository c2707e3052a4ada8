package kernel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/breaker"
	"github.com/trikernel/orchestrator/internal/consensus"
	"github.com/trikernel/orchestrator/internal/delegate/faketest"
	"github.com/trikernel/orchestrator/internal/queue"
	"github.com/trikernel/orchestrator/internal/statemachine"
	"github.com/trikernel/orchestrator/internal/store"
)

// These scenario tests assemble the same primitives internal/kernel wires
// together, exercised directly rather than through a full Kernel so each
// scenario can script its own delegate responses and breaker timing
// without needing to override what New() already wired up.

func scenarioDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), dir, filepath.Join(dir, "tri-agent.db"), store.DefaultRetryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// S1 — happy path: both delegates approve, task runs to completion.
func TestScenarioS1HappyPath(t *testing.T) {
	db := scenarioDB(t)
	ctx := context.Background()

	task := &store.Task{ID: "t-s1", Name: "build-feature", Type: "IMPLEMENTATION", Priority: store.PriorityHigh, Payload: "write function foo()"}
	if err := db.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	claimed, err := statemachine.Claim(ctx, db, "worker-1", nil, "", "")
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v, %v", claimed, err)
	}

	if err := statemachine.Transition(ctx, db, claimed.ID, store.StateRunning, store.StateReview); err != nil {
		t.Fatalf("Transition to REVIEW: %v", err)
	}

	caller := faketest.New()
	caller.Enqueue("codex", faketest.Script{Decision: "APPROVE", Confidence: 0.85})
	caller.Enqueue("claude", faketest.Script{Decision: "APPROVE", Confidence: 0.8})
	engine := consensus.New(db, caller, []string{"codex", "claude"}, consensus.DefaultConfig(), zerolog.Nop())

	decision, err := engine.Review(ctx, claimed.ID, "IMPLEMENTATION", "foo()", "review foo()")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if decision != store.DecisionApprove {
		t.Fatalf("expected APPROVE, got %s", decision)
	}

	if err := statemachine.Transition(ctx, db, claimed.ID, store.StateReview, store.StateApproved); err != nil {
		t.Fatalf("Transition to APPROVED: %v", err)
	}
	if err := statemachine.Complete(ctx, db, claimed, "function foo() written"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	final, err := db.GetTask(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.State != store.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.State)
	}
}

// S2 — blocked reject: any REJECT wins, task retries once then re-queues.
func TestScenarioS2BlockedReject(t *testing.T) {
	db := scenarioDB(t)
	ctx := context.Background()

	task := &store.Task{ID: "t-s2", Name: "build-feature", Type: "IMPLEMENTATION", Priority: store.PriorityHigh, MaxRetries: 3}
	if err := db.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	claimed, err := statemachine.Claim(ctx, db, "worker-1", nil, "", "")
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v, %v", claimed, err)
	}
	if err := statemachine.Transition(ctx, db, claimed.ID, store.StateRunning, store.StateReview); err != nil {
		t.Fatalf("Transition to REVIEW: %v", err)
	}

	caller := faketest.New()
	caller.Enqueue("codex", faketest.Script{Decision: "APPROVE", Confidence: 0.9})
	caller.Enqueue("claude", faketest.Script{Decision: "REJECT", Confidence: 0.95, Reasoning: "fails edge case"})
	engine := consensus.New(db, caller, []string{"codex", "claude"}, consensus.DefaultConfig(), zerolog.Nop())

	decision, err := engine.Review(ctx, claimed.ID, "IMPLEMENTATION", "foo()", "review foo()")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if decision != store.DecisionReject {
		t.Fatalf("expected REJECT, got %s", decision)
	}

	claimed.State = store.StateReview
	if err := statemachine.Reject(ctx, db, claimed, "fails edge case"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	final, err := db.GetTask(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", final.RetryCount)
	}
	if final.State != store.StateQueued {
		t.Fatalf("expected re-queued after retry, got %s", final.State)
	}
}

// S3 — preemption: a running LOW task is checkpointed back to QUEUED so a
// CRITICAL task can be claimed next.
func TestScenarioS3Preemption(t *testing.T) {
	db := scenarioDB(t)
	ctx := context.Background()

	low := &store.Task{ID: "t-low", Name: "low-prio", Type: "IMPLEMENTATION", Priority: store.PriorityLow}
	if err := db.InsertTask(ctx, low); err != nil {
		t.Fatalf("InsertTask(low): %v", err)
	}
	claimedLow, err := statemachine.Claim(ctx, db, "worker-1", nil, "", "")
	if err != nil || claimedLow == nil {
		t.Fatalf("Claim(low): %v, %v", claimedLow, err)
	}

	critical := &store.Task{ID: "t-critical", Name: "critical-fix", Type: "IMPLEMENTATION", Priority: store.PriorityCritical}
	if err := db.InsertTask(ctx, critical); err != nil {
		t.Fatalf("InsertTask(critical): %v", err)
	}

	if err := queue.Preempt(ctx, db, claimedLow.ID, "preempted by higher priority", "partial work", "partial"); err != nil {
		t.Fatalf("Preempt: %v", err)
	}

	reloadedLow, err := db.GetTask(ctx, claimedLow.ID)
	if err != nil {
		t.Fatalf("GetTask(low): %v", err)
	}
	if reloadedLow.State != store.StateQueued {
		t.Fatalf("expected preempted task back in QUEUED, got %s", reloadedLow.State)
	}

	events, err := db.EventsForAggregate(ctx, "task", claimedLow.ID)
	if err != nil {
		t.Fatalf("EventsForAggregate: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "preempted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a preempted event for task %s", claimedLow.ID)
	}

	claimedCritical, err := statemachine.Claim(ctx, db, "worker-2", nil, "", "")
	if err != nil || claimedCritical == nil {
		t.Fatalf("Claim(critical): %v, %v", claimedCritical, err)
	}
	if claimedCritical.ID != critical.ID {
		t.Fatalf("expected CRITICAL task claimed next, got %s", claimedCritical.ID)
	}
}

// S4 — breaker open: 5 consecutive failures open the breaker; after the
// cooldown it admits exactly one HALF_OPEN probe.
func TestScenarioS4BreakerOpen(t *testing.T) {
	db := scenarioDB(t)
	ctx := context.Background()

	cfg := breaker.Config{FailureThreshold: 5, CooldownPeriod: 120 * time.Second, HalfOpenProbes: 1}
	b, err := breaker.New(ctx, db, "codex", cfg)
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	allow, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allow {
		t.Fatalf("expected breaker OPEN to refuse calls")
	}

	// Simulate the 120s cooldown elapsing by backdating LastFailure.
	rec, err := db.GetBreaker(ctx, "codex")
	if err != nil {
		t.Fatalf("GetBreaker: %v", err)
	}
	past := time.Now().Add(-121 * time.Second)
	rec.LastFailure = &past
	if err := db.SaveBreaker(ctx, rec); err != nil {
		t.Fatalf("SaveBreaker: %v", err)
	}
	b2, err := breaker.New(ctx, db, "codex", cfg)
	if err != nil {
		t.Fatalf("breaker.New (reload): %v", err)
	}

	allow, err = b2.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow (post-cooldown): %v", err)
	}
	if !allow {
		t.Fatalf("expected HALF_OPEN to admit exactly one probe")
	}
	allow, err = b2.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow (second probe): %v", err)
	}
	if allow {
		t.Fatalf("expected HALF_OPEN to refuse a second probe beyond HalfOpenProbes")
	}
}

// S5 — escalation: a task promotes exactly one lane once its current
// lane's own aging threshold elapses (LOW->MEDIUM after 3600s), not one
// promotion per global threshold crossed.
func TestScenarioS5Escalation(t *testing.T) {
	queue.SetAgingThresholds(900*time.Second, 1800*time.Second, 3600*time.Second)
	t.Cleanup(func() { queue.SetAgingThresholds(900*time.Second, 1800*time.Second, 3600*time.Second) })

	// A LOW task waiting 3601s (just past the 3600s LOW->MEDIUM threshold)
	// promotes to MEDIUM, not further — MEDIUM's own 1800s threshold has
	// not been evaluated against this wait.
	if got := queue.EffectivePriority(store.PriorityLow, 3601*time.Second); got != store.PriorityMedium {
		t.Fatalf("expected LOW to promote to MEDIUM at 3601s wait, got %s", got)
	}
	// A LOW task waiting less than 3600s does not promote.
	if got := queue.EffectivePriority(store.PriorityLow, 3599*time.Second); got != store.PriorityLow {
		t.Fatalf("expected LOW to stay LOW before its threshold, got %s", got)
	}
	// A MEDIUM task waiting past 1800s promotes to HIGH.
	if got := queue.EffectivePriority(store.PriorityMedium, 1801*time.Second); got != store.PriorityHigh {
		t.Fatalf("expected MEDIUM to promote to HIGH at 1801s wait, got %s", got)
	}
	// A HIGH task waiting past 900s promotes to CRITICAL, the ceiling lane.
	if got := queue.EffectivePriority(store.PriorityHigh, 901*time.Second); got != store.PriorityCritical {
		t.Fatalf("expected HIGH to promote to CRITICAL at 901s wait, got %s", got)
	}
	// CRITICAL never promotes further regardless of wait.
	if got := queue.EffectivePriority(store.PriorityCritical, 10*time.Hour); got != store.PriorityCritical {
		t.Fatalf("expected CRITICAL to remain CRITICAL, got %s", got)
	}

	// End-to-end: the kernel's escalation sweep persists the promotion to
	// the durable priority column, which is what ClaimTask actually orders
	// by (the heap only reorders an in-memory cache).
	db := scenarioDB(t)
	ctx := context.Background()
	task := &store.Task{ID: "t-escalate", Name: "aging-task", Type: "IMPLEMENTATION", Priority: store.PriorityLow}
	if err := db.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := db.UpdatePriority(ctx, task.ID, queue.EffectivePriority(task.Priority, 3601*time.Second)); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	reloaded, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reloaded.Priority != store.PriorityMedium {
		t.Fatalf("expected persisted priority MEDIUM after escalation, got %s", reloaded.Priority)
	}
}

// S6 — cost pause: once projected spend breaches the margin-adjusted
// budget, the cost breaker refuses further calls for the rest of the day.
// Expressed in tokens (this kernel's cost ledger unit) rather than dollars
// per DESIGN.md's resolved USD-vs-tokens note: budget=1000, margin=0.15,
// reserve=100 is the token-denominated analogue of spec.md's
// budget=$1/margin=0.15/reserve=$0.10.
func TestScenarioS6CostPause(t *testing.T) {
	db := scenarioDB(t)
	ctx := context.Background()

	cfg := breaker.CostConfig{DailyBudgetTokens: 1000, Margin: 0.15, Reserve: 100}
	cb := breaker.NewCostBreaker(db, "codex", cfg)

	if err := db.RecordCost(ctx, &store.CostRecord{Model: "codex", InputTokens: 500, OutputTokens: 300}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}

	// threshold = 1000*(1-0.15) = 850; spend so far = 800; +100 estimate +
	// 100 reserve = 1000 > 850: refused.
	admit, err := cb.Admit(ctx, 100)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if admit {
		t.Fatalf("expected the guardrail to refuse a call that would breach margin")
	}

	remaining, err := cb.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 50 {
		t.Fatalf("expected 50 tokens of remaining headroom (850-800), got %d", remaining)
	}

	// A new day's lookback window excludes today's spend entirely, the
	// mechanism that resets the guardrail at each UTC day boundary.
	tomorrow := time.Now().Add(24 * time.Hour)
	inTomorrow, outTomorrow, err := db.DailySpend(ctx, "codex", tomorrow)
	if err != nil {
		t.Fatalf("DailySpend: %v", err)
	}
	if inTomorrow+outTomorrow != 0 {
		t.Fatalf("expected zero spend counted from a future day boundary, got %d", inTomorrow+outTomorrow)
	}
}
