// Package consensus fans a review out to the configured delegate roster
// concurrently and aggregates their votes into one decision, generalizing
// the teacher's single-reconciler dispatch goroutine
// (control_plane/scheduler.go's processNextTask) into N concurrent calls
// joined under one context.WithTimeout.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/delegate"
	"github.com/trikernel/orchestrator/internal/store"
)

// Config tunes the aggregator.
type Config struct {
	// Timeout bounds the whole fan-out, not any single delegate call.
	Timeout time.Duration
	// ApproveConfidence is the minimum confidence an APPROVE vote needs to
	// count as an approval; below it the vote is downgraded to ABSTAIN.
	ApproveConfidence float64
	// RejectConfidence is exposed for operators but, per spec.md, does not
	// currently change the "any reject wins" rule — a REJECT vote always
	// wins regardless of its confidence.
	RejectConfidence float64
	// ApprovalThreshold is the minimum number of APPROVE votes required for
	// a final APPROVE, per spec §4.6 (default 2). It is a floor on the raw
	// approval count, not a fraction of the voting roster.
	ApprovalThreshold int
}

func DefaultConfig() Config {
	return Config{Timeout: 300 * time.Second, ApproveConfidence: 0.7, RejectConfidence: 0.9, ApprovalThreshold: 2}
}

// Engine runs reviews against a fixed delegate roster.
type Engine struct {
	db     *store.DB
	caller delegate.Caller
	roster []string
	cfg    Config
	log    zerolog.Logger
}

func New(db *store.DB, caller delegate.Caller, roster []string, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{db: db, caller: caller, roster: roster, cfg: cfg, log: logger.With().Str("component", "consensus").Logger()}
}

// Review fans a subject out to the roster, collects votes, persists them,
// aggregates, and returns the final decision.
func (e *Engine) Review(ctx context.Context, taskID, reviewType, subject, prompt string) (store.Decision, error) {
	reqID := uuid.NewString()
	timeoutAt := time.Now().Add(e.cfg.Timeout)
	if err := e.db.CreateConsensusRequest(ctx, &store.ConsensusRequest{
		ID: reqID, TaskID: taskID, ReviewType: reviewType, Subject: subject, TimeoutAt: timeoutAt,
	}); err != nil {
		return store.DecisionAbstain, err
	}

	fanCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type voteResult struct {
		model string
		vote  *store.Vote
	}
	results := make(chan voteResult, len(e.roster))
	var wg sync.WaitGroup
	for _, model := range e.roster {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			results <- voteResult{model: model, vote: e.callOne(fanCtx, reqID, model, prompt)}
		}(model)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	votes := make([]*store.Vote, 0, len(e.roster))
	for r := range results {
		if err := e.db.RecordVote(ctx, r.vote); err != nil {
			e.log.Warn().Err(err).Str("model", r.model).Msg("failed to persist vote")
		}
		votes = append(votes, r.vote)
	}

	decision, status, approvals, rejections, abstentions := Aggregate(votes, e.cfg)
	if err := e.db.FinalizeConsensus(ctx, reqID, status, decision, approvals, rejections, abstentions); err != nil {
		return decision, err
	}
	return decision, nil
}

// callOne invokes a single delegate and converts any failure (timeout,
// process error, malformed envelope) into an ABSTAIN vote rather than
// letting it crash the fan-out; a broken delegate must never silently
// count as an approval.
func (e *Engine) callOne(ctx context.Context, reqID, model, prompt string) *store.Vote {
	start := time.Now()
	res := e.caller.Call(ctx, delegate.Request{Model: model, Prompt: prompt, Timeout: e.cfg.Timeout})
	latency := time.Since(start)

	if res.Err != nil {
		e.log.Warn().Err(res.Err).Str("model", model).Msg("delegate call failed, recording ABSTAIN")
		return &store.Vote{RequestID: reqID, Model: model, Decision: store.DecisionAbstain, Reasoning: res.Err.Error(), LatencyMS: latency.Milliseconds()}
	}

	env, err := delegate.DecodeEnvelope(res.RawOutput)
	if err != nil {
		e.log.Warn().Err(err).Str("model", model).Msg("malformed delegate envelope, recording ABSTAIN")
		return &store.Vote{RequestID: reqID, Model: model, Decision: store.DecisionAbstain, Reasoning: err.Error(), LatencyMS: latency.Milliseconds()}
	}

	return &store.Vote{
		RequestID: reqID, Model: model, Decision: store.Decision(env.Decision), Confidence: env.Confidence,
		Reasoning: env.Reasoning, RequiredChanges: env.RequiredChanges, LatencyMS: latency.Milliseconds(),
	}
}

// Aggregate applies the fixed rule set to a completed vote set:
//  1. Any REJECT wins outright, regardless of confidence (reject_confidence
//     is exposed in config but inert, per spec.md).
//  2. APPROVE votes under ApproveConfidence are downgraded to ABSTAIN
//     before tallying.
//  3. Any remaining REQUEST_CHANGES wins if there is no REJECT.
//  4. Otherwise APPROVE if approvals >= cfg.ApprovalThreshold, else ABSTAIN
//     (status PENDING).
func Aggregate(votes []*store.Vote, cfg Config) (decision store.Decision, status store.ConsensusStatus, approvals, rejections, abstentions int) {
	requestChanges := 0
	for _, v := range votes {
		effective := v.Decision
		if effective == store.DecisionApprove && v.Confidence < cfg.ApproveConfidence {
			effective = store.DecisionAbstain
		}
		switch effective {
		case store.DecisionApprove:
			approvals++
		case store.DecisionReject:
			rejections++
		case store.DecisionRequestChanges:
			requestChanges++
		default:
			abstentions++
		}
	}

	if rejections > 0 {
		return store.DecisionReject, store.ConsensusRejected, approvals, rejections, abstentions
	}
	if requestChanges > 0 {
		return store.DecisionRequestChanges, store.ConsensusChangesRequested, approvals, rejections, abstentions
	}
	threshold := cfg.ApprovalThreshold
	if threshold <= 0 {
		threshold = 2
	}
	if approvals >= threshold {
		return store.DecisionApprove, store.ConsensusApproved, approvals, rejections, abstentions
	}
	return store.DecisionAbstain, store.ConsensusPending, approvals, rejections, abstentions
}
