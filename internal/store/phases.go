package store

import (
	"context"
	"database/sql"
)

// StartPhase creates or reopens a task_phases row for (taskID, phase).
func (d *DB) StartPhase(ctx context.Context, taskID string, phase Phase) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_phases (task_id, phase, gate_status)
			VALUES (?, ?, 'PENDING')
			ON CONFLICT(task_id, phase) DO UPDATE SET started_at = CURRENT_TIMESTAMP, completed_at = NULL, gate_status = 'PENDING'`,
			taskID, string(phase))
		return err
	})
}

// RecordGateDecision stores the gate's outcome for a phase and, on PASSED,
// stamps completed_at.
func (d *DB) RecordGateDecision(ctx context.Context, taskID string, phase Phase, status GateStatus, failures, approvers string) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		completedClause := ""
		if status == GatePassed {
			completedClause = ", completed_at = CURRENT_TIMESTAMP"
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE task_phases SET gate_status = ?, gate_failures = ?, gate_approvers = ?`+completedClause+`
			WHERE task_id = ? AND phase = ?`, string(status), failures, approvers, taskID, string(phase))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO phase_gate_decisions (task_id, phase, decision, reason)
			VALUES (?, ?, ?, ?)`, taskID, string(phase), string(status), failures)
		return err
	})
}

// AddArtifact records one artifact produced during a phase.
func (d *DB) AddArtifact(ctx context.Context, a *PhaseArtifact) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO phase_artifacts (task_id, phase, name, ref) VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id, phase, name) DO UPDATE SET ref = excluded.ref`,
			a.TaskID, string(a.Phase), a.Name, a.Ref)
		return err
	})
}

// Artifacts returns every artifact recorded for a task's phase.
func (d *DB) Artifacts(ctx context.Context, taskID string, phase Phase) ([]*PhaseArtifact, error) {
	rows, err := d.reader.QueryContext(ctx, `SELECT task_id, phase, name, ref FROM phase_artifacts WHERE task_id = ? AND phase = ?`, taskID, string(phase))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PhaseArtifact
	for rows.Next() {
		var a PhaseArtifact
		var phaseStr string
		if err := rows.Scan(&a.TaskID, &phaseStr, &a.Name, &a.Ref); err != nil {
			return nil, err
		}
		a.Phase = Phase(phaseStr)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetPhase fetches one (task, phase) row.
func (d *DB) GetPhase(ctx context.Context, taskID string, phase Phase) (*TaskPhase, error) {
	row := d.reader.QueryRowContext(ctx, `
		SELECT task_id, phase, started_at, completed_at, gate_status, gate_failures, gate_approvers
		FROM task_phases WHERE task_id = ? AND phase = ?`, taskID, string(phase))
	var tp TaskPhase
	var phaseStr, status string
	var completedAt sql.NullTime
	if err := row.Scan(&tp.TaskID, &phaseStr, &tp.StartedAt, &completedAt, &status, &tp.GateFailures, &tp.GateApprovers); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tp.Phase = Phase(phaseStr)
	tp.GateStatus = GateStatus(status)
	if completedAt.Valid {
		tp.CompletedAt = &completedAt.Time
	}
	return &tp, nil
}

// PhaseHistory returns every phase row recorded for a task, in phase
// insertion order.
func (d *DB) PhaseHistory(ctx context.Context, taskID string) ([]*TaskPhase, error) {
	rows, err := d.reader.QueryContext(ctx, `
		SELECT task_id, phase, started_at, completed_at, gate_status, gate_failures, gate_approvers
		FROM task_phases WHERE task_id = ? ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskPhase
	for rows.Next() {
		var tp TaskPhase
		var phaseStr, status string
		var completedAt sql.NullTime
		if err := rows.Scan(&tp.TaskID, &phaseStr, &tp.StartedAt, &completedAt, &status, &tp.GateFailures, &tp.GateApprovers); err != nil {
			return nil, err
		}
		tp.Phase = Phase(phaseStr)
		tp.GateStatus = GateStatus(status)
		if completedAt.Valid {
			tp.CompletedAt = &completedAt.Time
		}
		out = append(out, &tp)
	}
	return out, rows.Err()
}
