package heal

import (
	"context"
	"sync"

	"github.com/trikernel/orchestrator/internal/store"
)

// PauseController tracks the global PAUSE flag from spec.md §5: once set
// (by the cost breaker or an operator), new claims return "none" until
// cleared; already-running tasks are never killed. Generalized from the
// teacher's DegradedMode.degradedModeActive single bool into a
// durably-mirrored flag with a reason string, stored in the same
// GetState/SetState kv table the lock manager's fencing epoch uses, under
// its own key.
type PauseController struct {
	mu     sync.RWMutex
	paused bool
	reason string
	db     *store.DB
}

const pauseStateFile = "heal"
const pauseStateKey = "paused"

func NewPauseController(ctx context.Context, db *store.DB) (*PauseController, error) {
	p := &PauseController{db: db}
	v, err := db.GetState(ctx, pauseStateFile, pauseStateKey)
	if err == store.ErrNotFound {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if v != "" {
		p.paused = true
		p.reason = v
	}
	return p, nil
}

// Pause sets the flag with a reason, persisting it so a restart does not
// silently clear an active pause.
func (p *PauseController) Pause(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.reason = reason
	return p.db.SetState(ctx, pauseStateFile, pauseStateKey, reason)
}

// Resume clears the flag.
func (p *PauseController) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.reason = ""
	return p.db.SetState(ctx, pauseStateFile, pauseStateKey, "")
}

func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *PauseController) Reason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reason
}
