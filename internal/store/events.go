package store

import (
	"context"
	"database/sql"
)

// AppendEvent inserts an event row and returns its assigned seq_id, the
// monotonically increasing cursor used for pull-based subscription per
// spec.md §6.
func (d *DB) AppendEvent(ctx context.Context, e *Event) (int64, error) {
	var seq int64
	err := d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (aggregate_type, aggregate_id, event_type, payload, trace_id,
				causation_id, correlation_id, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.AggregateType, e.AggregateID, e.EventType, orDefault(e.Payload, "{}"), e.TraceID,
			e.CausationID, e.CorrelationID, e.Source)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	return seq, err
}

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var e Event
	if err := row.Scan(&e.SeqID, &e.Timestamp, &e.AggregateType, &e.AggregateID, &e.EventType,
		&e.Payload, &e.TraceID, &e.CausationID, &e.CorrelationID, &e.Source); err != nil {
		return nil, err
	}
	return &e, nil
}

const eventColumns = `seq_id, timestamp, aggregate_type, aggregate_id, event_type, payload, trace_id, causation_id, correlation_id, source`

// EventsSince returns up to limit events with seq_id > afterSeq, in order,
// the primitive behind the pull-only /events endpoint.
func (d *DB) EventsSince(ctx context.Context, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := d.reader.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE seq_id > ? ORDER BY seq_id ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsForAggregate returns the full event history for one aggregate,
// used to reconstruct a task's timeline.
func (d *DB) EventsForAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*Event, error) {
	rows, err := d.reader.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE aggregate_type = ? AND aggregate_id = ? ORDER BY seq_id ASC`, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the current maximum seq_id, used to initialize a new
// subscriber's cursor at "now" rather than replaying full history.
func (d *DB) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := d.reader.QueryRowContext(ctx, `SELECT MAX(seq_id) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
