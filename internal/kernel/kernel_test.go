package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/config"
	"github.com/trikernel/orchestrator/internal/store"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = dir
	// Point models at a harmless command so nothing actually shells out
	// unless a test exercises delegate calls.
	for name, m := range cfg.Models {
		m.Command = "true"
		cfg.Models[name] = m
	}

	ctx := context.Background()
	k, err := New(ctx, &cfg, filepath.Join(dir, "kernel.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	return k
}

func TestNewWiresEveryBreaker(t *testing.T) {
	k := newTestKernel(t)
	if len(k.Breakers) != 3 {
		t.Fatalf("expected 3 breakers, got %d", len(k.Breakers))
	}
	if len(k.CostBreakers) != 3 {
		t.Fatalf("expected 3 cost breakers, got %d", len(k.CostBreakers))
	}
}

func TestNewWiresConsensusRoster(t *testing.T) {
	k := newTestKernel(t)
	if _, ok := k.Consensus["SECURITY"]; !ok {
		t.Fatalf("expected a SECURITY consensus engine from default routing")
	}
	if _, ok := k.Consensus["DEFAULT"]; !ok {
		t.Fatalf("expected a DEFAULT consensus engine")
	}
}

func TestSubmitTaskQueuesAndEmitsEvent(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	task := &store.Task{Name: "demo", Type: "review", Priority: store.PriorityMedium}
	if err := k.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected an assigned ID")
	}
	if k.Queue.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", k.Queue.Len())
	}

	got, err := k.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != store.StateQueued {
		t.Fatalf("expected QUEUED, got %s", got.State)
	}

	events, err := k.EventsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "submitted" && e.AggregateID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a submitted event for task %s", task.ID)
	}
}

func TestSubmitTaskRespectsPause(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	if err := k.Pause.Pause(ctx, "test pause"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	task := &store.Task{Name: "demo", Type: "review", Priority: store.PriorityMedium}
	if err := k.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if task.State != store.StatePaused {
		t.Fatalf("expected PAUSED while paused, got %s", task.State)
	}
	if k.Queue.Len() != 0 {
		t.Fatalf("expected paused task not pushed to queue, got len %d", k.Queue.Len())
	}
}

func TestClaimNextReturnsNilWhenPaused(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	task := &store.Task{Name: "demo", Type: "review", Priority: store.PriorityMedium}
	if err := k.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := k.Pause.Pause(ctx, "maintenance"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	got, err := k.ClaimNext(ctx, "worker-1", []string{"review"}, "", "claude")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no claim while paused, got %v", got)
	}
}

func TestRunEscalationSweepLeavesFreshTasksUnpromoted(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	task := &store.Task{Name: "demo", Type: "review", Priority: store.PriorityLow}
	if err := k.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	k.runEscalationSweep(ctx)

	got, err := k.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Priority != store.PriorityLow {
		t.Fatalf("expected a freshly submitted LOW task to remain LOW, got %s", got.Priority)
	}
}

func TestClaimNextClaimsQueuedTask(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	task := &store.Task{Name: "demo", Type: "review", Priority: store.PriorityMedium}
	if err := k.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	got, err := k.ClaimNext(ctx, "worker-1", nil, "", "claude")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got == nil {
		t.Fatalf("expected to claim the queued task")
	}
	if got.State != store.StateRunning {
		t.Fatalf("expected RUNNING after claim, got %s", got.State)
	}
}
