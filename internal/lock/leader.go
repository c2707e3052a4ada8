// Package lock provides a single-host advisory leader lock; the kernel uses
// it to run the scheduler's escalation sweep on one process at a time. The
// healer loop is not gated by it, and the rate limiter takes its own
// per-file locks. Coordination is file-based (github.com/gofrs/flock)
// rather than Redis-backed, since spec.md §4 scopes deployment to a single
// host with a shared filesystem.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/store"
)

// fencingResource is the durable epoch counter's key, mirrored from the
// teacher's single global "leader_election" resource.
const fencingResource = "host_leader"

// HostLeaderConfig tunes acquisition/renewal timing.
type HostLeaderConfig struct {
	LockPath     string
	RetryDelay   time.Duration
	MaxRetryWait time.Duration
}

func DefaultHostLeaderConfig(stateDir string) HostLeaderConfig {
	return HostLeaderConfig{
		LockPath:     stateDir + "/host-leader.lock",
		RetryDelay:   500 * time.Millisecond,
		MaxRetryWait: 10 * time.Second,
	}
}

// diagEvent is one entry in the bounded in-memory diagnostics ring, read
// through Diagnostics.
type diagEvent struct {
	At      time.Time
	Kind    string
	Detail  string
}

// HostLeader elects a single leader among processes on this host contending
// for the same lock file. Unlike a lease-based elector, flock ownership is
// tied to the holding process's file descriptor: the kernel process dying
// releases the lock immediately, so there is no renewal loop and no lease
// TTL to expire.
type HostLeader struct {
	cfg   HostLeaderConfig
	fl    *flock.Flock
	db    *store.DB
	node  string
	log   zerolog.Logger

	mu       sync.RWMutex
	isLeader bool
	epoch    int64
	cancel   context.CancelFunc

	onElected func(context.Context)
	onLost    func()

	diagMu sync.Mutex
	diag   []diagEvent
}

func NewHostLeader(cfg HostLeaderConfig, db *store.DB, nodeID string, logger zerolog.Logger) *HostLeader {
	return &HostLeader{
		cfg:  cfg,
		fl:   flock.New(cfg.LockPath),
		db:   db,
		node: nodeID,
		log:  logger.With().Str("component", "lock").Logger(),
	}
}

func (h *HostLeader) SetCallbacks(onElected func(context.Context), onLost func()) {
	h.onElected = onElected
	h.onLost = onLost
}

// Start launches the acquisition loop; it retries with capped exponential
// backoff until ctx is cancelled.
func (h *HostLeader) Start(ctx context.Context) {
	go h.loop(ctx)
}

func (h *HostLeader) loop(ctx context.Context) {
	delay := h.cfg.RetryDelay
	for {
		select {
		case <-ctx.Done():
			h.release()
			return
		default:
		}

		locked, err := h.fl.TryLock()
		if err != nil && ctx.Err() != nil {
			h.release()
			return
		}
		if err != nil || !locked {
			h.record("contended", "lock held by another process")
			select {
			case <-ctx.Done():
				h.release()
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > h.cfg.MaxRetryWait {
				delay = h.cfg.MaxRetryWait
			}
			continue
		}

		h.becomeLeader(ctx)
		delay = h.cfg.RetryDelay

		// Hold the lock until ctx is cancelled (the only way flock releases
		// it short of process death), then release and stop the loop.
		<-ctx.Done()
		h.release()
		return
	}
}

func (h *HostLeader) becomeLeader(ctx context.Context) {
	epoch, err := h.bumpEpoch(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to bump fencing epoch, proceeding without fencing guarantee")
	}

	leaderCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.isLeader = true
	h.epoch = epoch
	h.cancel = cancel
	h.mu.Unlock()

	h.record("acquired", fmt.Sprintf("epoch=%d", epoch))
	h.log.Info().Int64("epoch", epoch).Str("node", h.node).Msg("acquired host leadership")

	if h.onElected != nil {
		go h.onElected(leaderCtx)
	}
}

func (h *HostLeader) bumpEpoch(ctx context.Context) (int64, error) {
	current, err := h.db.GetState(ctx, fencingResource, "epoch")
	var n int64
	if err == nil {
		fmt.Sscanf(current, "%d", &n)
	} else if err != store.ErrNotFound {
		return 0, err
	}
	n++
	if err := h.db.SetState(ctx, fencingResource, "epoch", fmt.Sprintf("%d", n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (h *HostLeader) release() {
	h.mu.Lock()
	wasLeader := h.isLeader
	h.isLeader = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.fl.Unlock()

	if wasLeader {
		h.record("released", "")
		h.log.Info().Str("node", h.node).Msg("released host leadership")
		if h.onLost != nil {
			h.onLost()
		}
	}
}

func (h *HostLeader) IsLeader() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isLeader
}

func (h *HostLeader) Epoch() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.epoch
}

func (h *HostLeader) record(kind, detail string) {
	h.diagMu.Lock()
	defer h.diagMu.Unlock()
	h.diag = append(h.diag, diagEvent{At: time.Now(), Kind: kind, Detail: detail})
	if len(h.diag) > 50 {
		h.diag = h.diag[len(h.diag)-50:]
	}
}

// Diagnostics returns a snapshot of recent acquire/release/contention
// events, oldest first, at most 50 entries.
func (h *HostLeader) Diagnostics() []string {
	h.diagMu.Lock()
	defer h.diagMu.Unlock()
	out := make([]string, len(h.diag))
	for i, e := range h.diag {
		out[i] = fmt.Sprintf("%s %s %s", e.At.Format(time.RFC3339), e.Kind, e.Detail)
	}
	return out
}
