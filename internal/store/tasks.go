package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertTask creates a new task in QUEUED state.
func (d *DB) InsertTask(ctx context.Context, t *Task) error {
	if t.State == "" {
		t.State = StateQueued
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, name, type, priority, state, lane, shard, assigned_model,
				worker_id, max_retries, parent_task_id, payload, metadata, trace_id, checksum,
				failure_domain, submitted_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Type, int(t.Priority), string(t.State), t.Lane, nullString(t.Shard),
			nullString(t.AssignedModel), t.MaxRetries, t.ParentTaskID, t.Payload, orDefault(t.Metadata, "{}"),
			t.TraceID, t.Checksum, t.FailureDomain, t.SubmittedBy)
		return err
	})
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const taskColumns = `id, name, type, priority, state, lane, COALESCE(shard,''), COALESCE(assigned_model,''),
	worker_id, created_at, updated_at, started_at, completed_at, retry_count, max_retries,
	parent_task_id, payload, metadata, result, error, trace_id, heartbeat_at, last_activity_at,
	checksum, failure_domain, submitted_by`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var priority int
	var state string
	var started, completed, heartbeat, lastActivity sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &t.Type, &priority, &state, &t.Lane, &t.Shard, &t.AssignedModel,
		&t.WorkerID, &t.CreatedAt, &t.UpdatedAt, &started, &completed, &t.RetryCount, &t.MaxRetries,
		&t.ParentTaskID, &t.Payload, &t.Metadata, &t.Result, &t.Error, &t.TraceID, &heartbeat, &lastActivity,
		&t.Checksum, &t.FailureDomain, &t.SubmittedBy); err != nil {
		return nil, err
	}
	t.Priority = Priority(priority)
	t.State = TaskState(state)
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if heartbeat.Valid {
		t.Heartbeat = &heartbeat.Time
	}
	if lastActivity.Valid {
		t.LastActivityAt = &lastActivity.Time
	}
	return &t, nil
}

// GetTask fetches a single task by id.
func (d *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := d.reader.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTasksByState returns tasks in the given state ordered by priority then
// age, for escalation scans and health checks.
func (d *DB) ListTasksByState(ctx context.Context, state TaskState) ([]*Task, error) {
	rows, err := d.reader.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY priority ASC, created_at ASC`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask atomically assigns the oldest, highest-priority QUEUED task
// matching the optional filters to worker, per spec.md §4.3. Returns
// (nil, nil) if no task is available.
func (d *DB) ClaimTask(ctx context.Context, workerID string, types []string, shard, model string) (*Task, error) {
	var claimed *Task
	err := d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT id FROM tasks WHERE state = 'QUEUED'`
		var args []any
		if len(types) > 0 {
			placeholders := ""
			for i, typ := range types {
				if i > 0 {
					placeholders += ","
				}
				placeholders += "?"
				args = append(args, typ)
			}
			query += fmt.Sprintf(" AND type IN (%s)", placeholders)
		}
		if shard != "" {
			query += " AND (shard IS NULL OR shard = ?)"
			args = append(args, shard)
		}
		if model != "" {
			query += " AND (assigned_model IS NULL OR assigned_model = ?)"
			args = append(args, model)
		}
		query += " ORDER BY priority ASC, created_at ASC LIMIT 1"

		var id string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'RUNNING', worker_id = ?, started_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP, heartbeat_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'QUEUED'`, workerID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another claimant; caller retries next() cycle.
			return nil
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		claimed, err = scanTask(row)
		return err
	})
	return claimed, err
}

// TransitionTask performs the conditional UPDATE described in spec.md §4.3:
// it succeeds only if the task's current state equals from. Zero rows
// affected means a concurrent mutation raced us; the caller retries.
func (d *DB) TransitionTask(ctx context.Context, id string, from, to TaskState) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		extra := ""
		switch to {
		case StateCompleted:
			extra = ", completed_at = CURRENT_TIMESTAMP, worker_id = ''"
		case StateQueued, StateEscalated, StateCancelled, StateFailed:
			if from == StateRunning {
				extra = ", worker_id = ''"
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = CURRENT_TIMESTAMP`+extra+`
			WHERE id = ? AND state = ?`, string(to), id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// IncrementRetry bumps retry_count and returns the new value along with
// max_retries, so the caller can decide QUEUED vs ESCALATED.
func (d *DB) IncrementRetry(ctx context.Context, id string) (retryCount, maxRetries int, err error) {
	err = d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM tasks WHERE id = ?`, id).Scan(&retryCount, &maxRetries)
	})
	return
}

// SetResult records a task's terminal result/error payload.
func (d *DB) SetResult(ctx context.Context, id, result, taskErr string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET result = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, result, taskErr, id)
		return err
	})
}

// Heartbeat updates a running task's heartbeat timestamp.
func (d *DB) Heartbeat(ctx context.Context, id string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET heartbeat_at = CURRENT_TIMESTAMP, last_activity_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		return err
	})
}

// UpdatePriority is used by the escalator; it does not check the current
// state, only bumping the priority column (escalation is monotonic — see
// spec.md property 5 — callers never call this with a lower urgency value).
func (d *DB) UpdatePriority(ctx context.Context, id string, priority Priority) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND priority > ?`, int(priority), id, int(priority))
		return err
	})
}

// StaleRunningTasks returns RUNNING tasks whose heartbeat is older than
// olderThan (used by the queue's timeout sweep and the healer).
func (d *DB) StaleRunningTasks(ctx context.Context, olderThan time.Duration) ([]*Task, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := d.reader.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = 'RUNNING' AND (heartbeat_at IS NULL OR heartbeat_at < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
