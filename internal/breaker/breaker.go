// Package breaker implements per-delegate circuit breaking and the daily
// cost guardrail, generalizing the teacher's queue-depth/saturation
// scheduler.CircuitBreaker into a failure-count breaker keyed by delegate,
// plus a spend-based admission gate with no teacher analogue.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/trikernel/orchestrator/internal/store"
)

// Config tunes a single delegate's circuit breaker.
type Config struct {
	FailureThreshold int
	CooldownPeriod   time.Duration
	HalfOpenProbes   int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownPeriod: 30 * time.Second, HalfOpenProbes: 3}
}

// Breaker tracks CLOSED/OPEN/HALF_OPEN state for one delegate, mirrored to
// the durable store so state survives a restart.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	model string
	db    *store.DB
	rec   *store.BreakerRecord
}

func New(ctx context.Context, db *store.DB, model string, cfg Config) (*Breaker, error) {
	rec, err := db.GetBreaker(ctx, model)
	if err != nil {
		return nil, err
	}
	return &Breaker{cfg: cfg, model: model, db: db, rec: rec}, nil
}

// Allow reports whether a call to this delegate should be admitted,
// transitioning OPEN -> HALF_OPEN after the cooldown elapses.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.rec.State {
	case store.BreakerOpen:
		if b.rec.LastFailure != nil && time.Since(*b.rec.LastFailure) > b.cfg.CooldownPeriod {
			b.rec.State = store.BreakerHalfOpen
			// The call that triggers the transition is itself the first probe.
			b.rec.HalfOpenCalls = 1
			return b.persistAndAllow(ctx, true)
		}
		return false, nil
	case store.BreakerHalfOpen:
		if b.rec.HalfOpenCalls >= b.cfg.HalfOpenProbes {
			return false, nil
		}
		b.rec.HalfOpenCalls++
		return b.persistAndAllow(ctx, true)
	default: // CLOSED
		return true, nil
	}
}

func (b *Breaker) persistAndAllow(ctx context.Context, allow bool) (bool, error) {
	if err := b.db.SaveBreaker(ctx, b.rec); err != nil {
		return false, err
	}
	return allow, nil
}

// RecordSuccess closes the breaker (from CLOSED, resets the failure count;
// from HALF_OPEN, a clean probe run closes it).
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.rec.LastSuccess = &now
	b.rec.FailureCount = 0
	if b.rec.State == store.BreakerHalfOpen {
		b.rec.State = store.BreakerClosed
		b.rec.HalfOpenCalls = 0
	}
	return b.db.SaveBreaker(ctx, b.rec)
}

// RecordFailure increments the failure count, opening the breaker once the
// threshold is reached, or immediately re-opening from HALF_OPEN.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.rec.LastFailure = &now

	if b.rec.State == store.BreakerHalfOpen {
		b.rec.State = store.BreakerOpen
		b.rec.HalfOpenCalls = 0
		return b.db.SaveBreaker(ctx, b.rec)
	}

	b.rec.FailureCount++
	if b.rec.FailureCount >= b.cfg.FailureThreshold {
		b.rec.State = store.BreakerOpen
	}
	return b.db.SaveBreaker(ctx, b.rec)
}

// State returns the current breaker state (thread-safe).
func (b *Breaker) State() store.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.State
}
