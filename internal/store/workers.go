package store

import (
	"context"
	"database/sql"
)

// RegisterWorker upserts a worker row on startup.
func (d *DB) RegisterWorker(ctx context.Context, w *Worker) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, pid, hostname, status, specialization, shard, model, current_task)
			VALUES (?, ?, ?, ?, ?, ?, ?, '')
			ON CONFLICT(id) DO UPDATE SET
				pid = excluded.pid, hostname = excluded.hostname, status = excluded.status,
				specialization = excluded.specialization, shard = excluded.shard, model = excluded.model,
				last_heartbeat = CURRENT_TIMESTAMP`,
			w.ID, w.PID, w.Hostname, string(w.Status), w.Specialization, w.Shard, w.Model)
		return err
	})
}

// WorkerHeartbeat records a liveness ping and updates the workers row.
func (d *DB) WorkerHeartbeat(ctx context.Context, id string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO worker_heartbeats (worker_id) VALUES (?)`, id)
		return err
	})
}

// SetWorkerStatus transitions a worker's status and current task pointer.
func (d *DB) SetWorkerStatus(ctx context.Context, id string, status WorkerStatus, currentTask string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE workers SET status = ?, current_task = ? WHERE id = ?`, string(status), currentTask, id)
		return err
	})
}

// RecordWorkerOutcome increments the completed/failed counters.
func (d *DB) RecordWorkerOutcome(ctx context.Context, id string, succeeded bool) error {
	col := "tasks_completed"
	if !succeeded {
		col = "tasks_failed"
	}
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE workers SET `+col+` = `+col+` + 1 WHERE id = ?`, id)
		return err
	})
}

// RecordWorkerCrash bumps the crash counter, read by the healer to decide
// whether a worker needs to be retired rather than restarted.
func (d *DB) RecordWorkerCrash(ctx context.Context, id string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE workers SET crash_count = crash_count + 1, status = ? WHERE id = ?`, string(WorkerCrashed), id)
		return err
	})
}

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var status string
	if err := row.Scan(&w.ID, &w.PID, &w.Hostname, &status, &w.Specialization, &w.Shard, &w.Model,
		&w.StartedAt, &w.LastHeartbeat, &w.TasksCompleted, &w.TasksFailed, &w.CrashCount, &w.CurrentTask); err != nil {
		return nil, err
	}
	w.Status = WorkerStatus(status)
	return &w, nil
}

const workerColumns = `id, pid, hostname, status, specialization, shard, model, started_at, last_heartbeat, tasks_completed, tasks_failed, crash_count, current_task`

// ListWorkers returns all known workers.
func (d *DB) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := d.reader.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWorker fetches one worker by id.
func (d *DB) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := d.reader.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}
