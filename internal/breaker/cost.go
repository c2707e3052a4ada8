package breaker

import (
	"context"
	"time"

	"github.com/trikernel/orchestrator/internal/store"
)

// CostConfig governs the daily spend guardrail for one delegate.
type CostConfig struct {
	DailyBudgetTokens int64
	// Margin reserves a fraction of budget as headroom: a call is admitted
	// only if daily_spend + estimate + reserve <= budget*(1-margin).
	Margin float64
	// Reserve is a fixed token allowance held back for in-flight calls that
	// have not yet reported their actual cost.
	Reserve int64
}

func DefaultCostConfig() CostConfig {
	return CostConfig{DailyBudgetTokens: 2_000_000, Margin: 0.15, Reserve: 5_000}
}

// CostBreaker rejects delegate calls once projected daily spend would
// breach the configured budget margin.
type CostBreaker struct {
	db     *store.DB
	model  string
	cfg    CostConfig
	nowFn  func() time.Time
}

func NewCostBreaker(db *store.DB, model string, cfg CostConfig) *CostBreaker {
	return &CostBreaker{db: db, model: model, cfg: cfg, nowFn: time.Now}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Admit reports whether a call estimated to cost estimateTokens should
// proceed, per the projected = daily_spend + estimate + reserve vs
// threshold = budget*(1-margin) rule.
func (c *CostBreaker) Admit(ctx context.Context, estimateTokens int64) (bool, error) {
	since := dayStart(c.nowFn())
	in, out, err := c.db.DailySpend(ctx, c.model, since)
	if err != nil {
		return false, err
	}
	dailySpend := in + out
	projected := dailySpend + estimateTokens + c.cfg.Reserve
	threshold := int64(float64(c.cfg.DailyBudgetTokens) * (1 - c.cfg.Margin))
	return projected <= threshold, nil
}

// Remaining returns the token headroom still available today under the
// margin-adjusted threshold (never negative).
func (c *CostBreaker) Remaining(ctx context.Context) (int64, error) {
	since := dayStart(c.nowFn())
	in, out, err := c.db.DailySpend(ctx, c.model, since)
	if err != nil {
		return 0, err
	}
	threshold := int64(float64(c.cfg.DailyBudgetTokens) * (1 - c.cfg.Margin))
	remaining := threshold - (in + out)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
