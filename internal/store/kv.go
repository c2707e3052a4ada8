package store

import (
	"context"
	"database/sql"
)

// GetState reads one key scoped to filePath, the generic slot used by
// components that need a small amount of durable state without a
// dedicated table (e.g. the last-processed offset of a reconciliation
// sweep). Returns ("", ErrNotFound) if absent.
func (d *DB) GetState(ctx context.Context, filePath, key string) (string, error) {
	var value string
	err := d.reader.QueryRowContext(ctx, `SELECT value FROM state WHERE file_path = ? AND key = ?`, filePath, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetState upserts one key scoped to filePath.
func (d *DB) SetState(ctx context.Context, filePath, key, value string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state (file_path, key, value) VALUES (?, ?, ?)
			ON CONFLICT(file_path, key) DO UPDATE SET value = excluded.value`,
			filePath, key, value)
		return err
	})
}

// RecordRoutingDecision logs which delegates were selected for a review,
// for audit and for the healer's drift detection.
func (d *DB) RecordRoutingDecision(ctx context.Context, taskID, reviewType, rosterJSON string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO routing_decisions (task_id, review_type, roster) VALUES (?, ?, ?)`, taskID, reviewType, rosterJSON)
		return err
	})
}

// RecordHealthStatus appends a health snapshot row.
func (d *DB) RecordHealthStatus(ctx context.Context, overall, payloadJSON string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO health_status (overall, payload) VALUES (?, ?)`, overall, payloadJSON)
		return err
	})
}

// LatestHealthStatus returns the most recent health snapshot, if any.
func (d *DB) LatestHealthStatus(ctx context.Context) (overall, payloadJSON string, err error) {
	row := d.reader.QueryRowContext(ctx, `SELECT overall, payload FROM health_status ORDER BY id DESC LIMIT 1`)
	err = row.Scan(&overall, &payloadJSON)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return
}
