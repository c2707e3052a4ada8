package breaker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), dir, filepath.Join(dir, "tri-agent.db"), store.DefaultRetryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := Config{FailureThreshold: 3, CooldownPeriod: time.Hour, HalfOpenProbes: 1}
	b, err := New(ctx, db, "codex", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if b.State() != store.BreakerOpen {
		t.Fatalf("expected OPEN after threshold failures, got %s", b.State())
	}
	allowed, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Error("expected OPEN breaker to reject calls")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond, HalfOpenProbes: 1}
	b, err := New(ctx, db, "gemini", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	allowed, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("expected HALF_OPEN probe to be admitted")
	}
	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if b.State() != store.BreakerClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", b.State())
	}
}

func TestCostBreakerRejectsOverBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := CostConfig{DailyBudgetTokens: 1000, Margin: 0.1, Reserve: 0}
	cb := NewCostBreaker(db, "claude", cfg)

	if err := db.RecordCost(ctx, &store.CostRecord{Model: "claude", InputTokens: 500, OutputTokens: 400}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}

	admitted, err := cb.Admit(ctx, 50)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if admitted {
		t.Error("expected projected spend (950) over the margin-adjusted threshold (900) to be rejected")
	}
}

func TestCostBreakerAdmitsUnderBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := DefaultCostConfig()
	cb := NewCostBreaker(db, "claude", cfg)

	admitted, err := cb.Admit(ctx, 100)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !admitted {
		t.Error("expected a fresh delegate with no spend to be admitted")
	}
}
