package store

import (
	"context"
	"database/sql"
)

// GetBreaker fetches a delegate's breaker row, creating a CLOSED default
// if none exists yet.
func (d *DB) GetBreaker(ctx context.Context, model string) (*BreakerRecord, error) {
	row := d.reader.QueryRowContext(ctx, `
		SELECT model, state, failure_count, last_failure, last_success, half_open_calls
		FROM breakers WHERE model = ?`, model)
	b, err := scanBreaker(row)
	if err == sql.ErrNoRows {
		return &BreakerRecord{Model: model, State: BreakerClosed}, nil
	}
	return b, err
}

func scanBreaker(row interface{ Scan(...any) error }) (*BreakerRecord, error) {
	var b BreakerRecord
	var state string
	var lastFailure, lastSuccess sql.NullTime
	if err := row.Scan(&b.Model, &state, &b.FailureCount, &lastFailure, &lastSuccess, &b.HalfOpenCalls); err != nil {
		return nil, err
	}
	b.State = BreakerState(state)
	if lastFailure.Valid {
		b.LastFailure = &lastFailure.Time
	}
	if lastSuccess.Valid {
		b.LastSuccess = &lastSuccess.Time
	}
	return &b, nil
}

// SaveBreaker upserts the full breaker state, used after every state
// transition decided by internal/breaker.
func (d *DB) SaveBreaker(ctx context.Context, b *BreakerRecord) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO breakers (model, state, failure_count, last_failure, last_success, half_open_calls)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(model) DO UPDATE SET
				state = excluded.state, failure_count = excluded.failure_count,
				last_failure = excluded.last_failure, last_success = excluded.last_success,
				half_open_calls = excluded.half_open_calls`,
			b.Model, string(b.State), b.FailureCount, b.LastFailure, b.LastSuccess, b.HalfOpenCalls)
		return err
	})
}

// AllBreakers returns every known breaker row, used by the health snapshot.
func (d *DB) AllBreakers(ctx context.Context) ([]*BreakerRecord, error) {
	rows, err := d.reader.QueryContext(ctx, `SELECT model, state, failure_count, last_failure, last_success, half_open_calls FROM breakers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BreakerRecord
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
