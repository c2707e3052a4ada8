package store

import (
	"context"
	"database/sql"
)

// CreateConsensusRequest persists a new review request in PENDING status.
func (d *DB) CreateConsensusRequest(ctx context.Context, r *ConsensusRequest) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO consensus_requests (id, task_id, review_type, subject, context, status, timeout_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.TaskID, r.ReviewType, r.Subject, r.Context, string(ConsensusPending), r.TimeoutAt)
		return err
	})
}

// RecordVote upserts one delegate's vote for a request.
func (d *DB) RecordVote(ctx context.Context, v *Vote) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO consensus_votes (request_id, model, decision, confidence, reasoning, required_changes, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_id, model) DO UPDATE SET
				decision = excluded.decision, confidence = excluded.confidence,
				reasoning = excluded.reasoning, required_changes = excluded.required_changes,
				latency_ms = excluded.latency_ms`,
			v.RequestID, v.Model, string(v.Decision), v.Confidence, v.Reasoning, v.RequiredChanges, v.LatencyMS)
		return err
	})
}

// VotesForRequest returns all recorded votes for a consensus request.
func (d *DB) VotesForRequest(ctx context.Context, requestID string) ([]*Vote, error) {
	rows, err := d.reader.QueryContext(ctx, `
		SELECT request_id, model, decision, confidence, reasoning, required_changes, latency_ms, created_at
		FROM consensus_votes WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Vote
	for rows.Next() {
		var v Vote
		var decision string
		if err := rows.Scan(&v.RequestID, &v.Model, &decision, &v.Confidence, &v.Reasoning, &v.RequiredChanges, &v.LatencyMS, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Decision = Decision(decision)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// FinalizeConsensus records the aggregated outcome for a request.
func (d *DB) FinalizeConsensus(ctx context.Context, requestID string, status ConsensusStatus, decision Decision, approvals, rejections, abstentions int) error {
	return d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE consensus_requests SET status = ?, final_decision = ?, approvals = ?,
				rejections = ?, abstentions = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, string(status), string(decision), approvals, rejections, abstentions, requestID)
		return err
	})
}

// GetConsensusRequest fetches one request by id.
func (d *DB) GetConsensusRequest(ctx context.Context, id string) (*ConsensusRequest, error) {
	row := d.reader.QueryRowContext(ctx, `
		SELECT id, task_id, review_type, subject, context, status, final_decision, approvals,
			rejections, abstentions, created_at, updated_at, timeout_at
		FROM consensus_requests WHERE id = ?`, id)
	var r ConsensusRequest
	var status string
	var timeoutAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TaskID, &r.ReviewType, &r.Subject, &r.Context, &status, &r.FinalDecision,
		&r.Approvals, &r.Rejections, &r.Abstentions, &r.CreatedAt, &r.UpdatedAt, &timeoutAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = ConsensusStatus(status)
	if timeoutAt.Valid {
		r.TimeoutAt = timeoutAt.Time
	}
	return &r, nil
}

// PendingConsensusRequests returns requests still awaiting votes or
// aggregation, scanned by the consensus engine's timeout sweep.
func (d *DB) PendingConsensusRequests(ctx context.Context) ([]*ConsensusRequest, error) {
	rows, err := d.reader.QueryContext(ctx, `
		SELECT id, task_id, review_type, subject, context, status, final_decision, approvals,
			rejections, abstentions, created_at, updated_at, timeout_at
		FROM consensus_requests WHERE status = ? ORDER BY created_at ASC`, string(ConsensusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ConsensusRequest
	for rows.Next() {
		var r ConsensusRequest
		var status string
		var timeoutAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ReviewType, &r.Subject, &r.Context, &status, &r.FinalDecision,
			&r.Approvals, &r.Rejections, &r.Abstentions, &r.CreatedAt, &r.UpdatedAt, &timeoutAt); err != nil {
			return nil, err
		}
		r.Status = ConsensusStatus(status)
		if timeoutAt.Valid {
			r.TimeoutAt = timeoutAt.Time
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
