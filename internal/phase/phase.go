// Package phase enforces the SDLC phase-gate ordering
// (BRAINSTORM->DOCUMENT->PLAN->EXECUTE->TRACK) and uses internal/consensus
// to decide whether a phase's gate passes, grounded structurally on the
// teacher's SchedulingDecision pattern of recording a decision plus its
// reasons.
package phase

import (
	"context"
	"fmt"
	"strings"

	"github.com/trikernel/orchestrator/internal/consensus"
	"github.com/trikernel/orchestrator/internal/store"
)

// RequiredArtifacts maps each phase to the artifact names its gate demands
// before evaluation — configuration, not a hardcoded table, following the
// GateConfig.PhaseOverrides shape: callers may override per deployment.
type RequiredArtifacts map[store.Phase][]string

func DefaultRequiredArtifacts() RequiredArtifacts {
	return RequiredArtifacts{
		store.PhaseBrainstorm: {"ideas"},
		store.PhaseDocument:   {"spec"},
		store.PhasePlan:       {"plan"},
		store.PhaseExecute:    {"diff"},
		store.PhaseTrack:      {"status_report"},
	}
}

// Controller drives one task through the phase sequence.
type Controller struct {
	db        *store.DB
	consensus *consensus.Engine
	required  RequiredArtifacts
}

func New(db *store.DB, engine *consensus.Engine, required RequiredArtifacts) *Controller {
	return &Controller{db: db, consensus: engine, required: required}
}

func indexOf(p store.Phase) int {
	for i, x := range store.PhaseOrder {
		if x == p {
			return i
		}
	}
	return -1
}

// CanEnter reports whether phase may start for a task: phases must be
// entered strictly in order, and backward re-entry is permitted only when
// the source phase's gate has not yet PASSED (spec.md's resolved open
// question on backward transitions).
func (c *Controller) CanEnter(ctx context.Context, taskID string, target store.Phase) (bool, string, error) {
	idx := indexOf(target)
	if idx < 0 {
		return false, "", fmt.Errorf("%s is not a valid entry phase", target)
	}
	if idx == 0 {
		return true, "", nil
	}
	prev := store.PhaseOrder[idx-1]
	prevPhase, err := c.db.GetPhase(ctx, taskID, prev)
	if err == store.ErrNotFound {
		return false, fmt.Sprintf("phase %s has not started", prev), nil
	}
	if err != nil {
		return false, "", err
	}
	if prevPhase.GateStatus != store.GatePassed {
		return false, fmt.Sprintf("phase %s gate is %s, not PASSED", prev, prevPhase.GateStatus), nil
	}
	return true, "", nil
}

// CanReenter reports whether a task may move backward from current into
// target (target earlier in PhaseOrder than current): permitted only if
// current's own gate has not yet PASSED.
func (c *Controller) CanReenter(ctx context.Context, taskID string, current, target store.Phase) (bool, string, error) {
	if indexOf(target) >= indexOf(current) {
		return false, "not a backward transition", nil
	}
	cur, err := c.db.GetPhase(ctx, taskID, current)
	if err == store.ErrNotFound {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if cur.GateStatus == store.GatePassed {
		return false, fmt.Sprintf("phase %s already PASSED, cannot re-enter %s", current, target), nil
	}
	return true, "", nil
}

// Enter starts a phase for a task, recording the phase row.
func (c *Controller) Enter(ctx context.Context, taskID string, p store.Phase) error {
	return c.db.StartPhase(ctx, taskID, p)
}

// EvaluateGate checks the phase's required artifacts are present, then runs
// a consensus review to decide PASSED/FAILED/BLOCKED.
func (c *Controller) EvaluateGate(ctx context.Context, taskID string, p store.Phase, subject string) (store.GateStatus, error) {
	artifacts, err := c.db.Artifacts(ctx, taskID, p)
	if err != nil {
		return store.GateBlocked, err
	}
	present := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		present[a.Name] = true
	}
	var missing []string
	for _, name := range c.required[p] {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		reason := "missing artifacts: " + strings.Join(missing, ", ")
		if err := c.db.RecordGateDecision(ctx, taskID, p, store.GateBlocked, reason, ""); err != nil {
			return store.GateBlocked, err
		}
		return store.GateBlocked, nil
	}

	decision, err := c.consensus.Review(ctx, taskID, string(p)+"_gate", subject, gatePrompt(p, subject))
	if err != nil {
		return store.GateFailed, err
	}

	status := store.GatePassed
	reason := ""
	if decision != store.DecisionApprove {
		status = store.GateFailed
		reason = fmt.Sprintf("consensus decision was %s", decision)
	}
	if err := c.db.RecordGateDecision(ctx, taskID, p, status, reason, ""); err != nil {
		return status, err
	}
	return status, nil
}

func gatePrompt(p store.Phase, subject string) string {
	return fmt.Sprintf("Evaluate whether the %s phase is complete and ready to advance.\n\n%s", p, subject)
}
