package store

import (
	"context"
	"database/sql"
	"time"
)

// RecordCost inserts one delegate call's cost row.
func (d *DB) RecordCost(ctx context.Context, c *CostRecord) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO costs (model, input_tokens, output_tokens, duration_ms, task_type, trace_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.Model, c.InputTokens, c.OutputTokens, c.DurationMS, c.TaskType, c.TraceID)
		return err
	})
}

// DailySpend sums the estimated cost contribution (input+output tokens) for
// a model since the start of the current UTC day, the figure the cost
// breaker compares against budget.
func (d *DB) DailySpend(ctx context.Context, model string, since time.Time) (inputTokens, outputTokens int64, err error) {
	row := d.reader.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM costs WHERE model = ? AND timestamp >= ?`, model, since)
	err = row.Scan(&inputTokens, &outputTokens)
	return
}

// TotalDailySpend sums across all models, used for an aggregate kernel-wide
// budget guardrail in addition to per-model ones.
func (d *DB) TotalDailySpend(ctx context.Context, since time.Time) (inputTokens, outputTokens int64, err error) {
	row := d.reader.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM costs WHERE timestamp >= ?`, since)
	err = row.Scan(&inputTokens, &outputTokens)
	return
}
