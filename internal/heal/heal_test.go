package heal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/store"
)

func newTestDB(t *testing.T) (*store.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), dir, filepath.Join(dir, "tri-agent.db"), store.DefaultRetryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dir
}

func TestTickProducesHealthySnapshotOnFreshDB(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()
	pause, err := NewPauseController(ctx, db)
	if err != nil {
		t.Fatalf("NewPauseController: %v", err)
	}

	s := New(db, DefaultConfig(dir), nil, pause, zerolog.Nop())
	snap, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if snap.Overall != StatusHealthy {
		t.Errorf("expected healthy overall on a fresh db, got %s (%+v)", snap.Overall, snap.Subchecks)
	}
}

func TestCheckBreakersCriticalWhenAllOpen(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	if err := db.SaveBreaker(ctx, &store.BreakerRecord{Model: "claude", State: store.BreakerOpen, FailureCount: 5, LastFailure: &now}); err != nil {
		t.Fatalf("SaveBreaker: %v", err)
	}

	pause, _ := NewPauseController(ctx, db)
	s := New(db, DefaultConfig(dir), nil, pause, zerolog.Nop())
	result := s.checkBreakers(ctx)
	if result.Status != StatusCritical {
		t.Errorf("expected critical with one breaker 100%% open, got %s", result.Status)
	}
}

func TestHealWorkersMarksStaleBusyWorkerDeadAndRequeuesTask(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()

	if err := db.InsertTask(ctx, &store.Task{ID: "t-1", Name: "demo", MaxRetries: 3}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := db.ClaimTask(ctx, "w-1", nil, "", ""); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := db.RegisterWorker(ctx, &store.Worker{ID: "w-1", PID: 1, Hostname: "h"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := db.SetWorkerStatus(ctx, "w-1", store.WorkerBusy, "t-1"); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}
	// Force the worker's heartbeat to look ancient by using a near-zero
	// stale threshold instead of mutating time directly.
	cfg := DefaultConfig(dir)
	cfg.WorkerStaleAfter = 0

	pause, _ := NewPauseController(ctx, db)
	s := New(db, cfg, nil, pause, zerolog.Nop())
	if err := s.healWorkers(ctx); err != nil {
		t.Fatalf("healWorkers: %v", err)
	}

	w, err := db.GetWorker(ctx, "w-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Status != store.WorkerDead {
		t.Errorf("expected worker marked dead, got %s", w.Status)
	}

	task, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.State != store.StateQueued {
		t.Errorf("expected task requeued, got %s", task.State)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected retry_count incremented to 1, got %d", task.RetryCount)
	}
}

func TestHealWorkersEscalatesOnceRetryBudgetExhausted(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()

	if err := db.InsertTask(ctx, &store.Task{ID: "t-exhausted", Name: "demo", MaxRetries: 1}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := db.ClaimTask(ctx, "w-1", nil, "", ""); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, _, err := db.IncrementRetry(ctx, "t-exhausted"); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if err := db.TransitionTask(ctx, "t-exhausted", store.StateRunning, store.StateQueued); err != nil {
		t.Fatalf("TransitionTask to QUEUED: %v", err)
	}
	if err := db.TransitionTask(ctx, "t-exhausted", store.StateQueued, store.StateRunning); err != nil {
		t.Fatalf("TransitionTask back to RUNNING: %v", err)
	}
	if err := db.RegisterWorker(ctx, &store.Worker{ID: "w-1", PID: 1, Hostname: "h"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := db.SetWorkerStatus(ctx, "w-1", store.WorkerBusy, "t-exhausted"); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}

	cfg := DefaultConfig(dir)
	cfg.WorkerStaleAfter = 0
	pause, _ := NewPauseController(ctx, db)
	s := New(db, cfg, nil, pause, zerolog.Nop())
	if err := s.healWorkers(ctx); err != nil {
		t.Fatalf("healWorkers: %v", err)
	}

	task, err := db.GetTask(ctx, "t-exhausted")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.State != store.StateEscalated {
		t.Errorf("expected task escalated once retry budget was exhausted, got %s", task.State)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected retry_count to stay at 1 (no further retry on escalation), got %d", task.RetryCount)
	}
}

func TestPauseControllerPersistsAcrossReload(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	p, err := NewPauseController(ctx, db)
	if err != nil {
		t.Fatalf("NewPauseController: %v", err)
	}
	if err := p.Pause(ctx, "daily budget exhausted"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	reloaded, err := NewPauseController(ctx, db)
	if err != nil {
		t.Fatalf("NewPauseController reload: %v", err)
	}
	if !reloaded.IsPaused() {
		t.Error("expected pause flag to survive reload")
	}
	if reloaded.Reason() != "daily budget exhausted" {
		t.Errorf("expected reason preserved, got %q", reloaded.Reason())
	}
}

func TestCaptureIncidentWritesReport(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()
	if err := db.InsertTask(ctx, &store.Task{ID: "t-esc", Name: "demo", MaxRetries: 1}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := db.AppendEvent(ctx, &store.Event{AggregateType: "task", AggregateID: "t-esc", EventType: "failed", Payload: "{}"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	report, err := CaptureIncident(ctx, db, dir, "t-esc")
	if err != nil {
		t.Fatalf("CaptureIncident: %v", err)
	}
	if report.Task == nil || report.Task.ID != "t-esc" {
		t.Fatalf("expected task in report, got %+v", report.Task)
	}
	if len(report.Events) != 1 {
		t.Errorf("expected 1 event in report, got %d", len(report.Events))
	}
}
