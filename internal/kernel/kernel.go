// Package kernel wires the orchestrator's subsystems into one object
// constructed once at boot, replacing the teacher's main.go package-level
// globals and ad-hoc wiring (control_plane/main.go: store -> scheduler ->
// leader elector -> idempotency -> API) with explicit constructor calls
// over a single Config.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/breaker"
	"github.com/trikernel/orchestrator/internal/config"
	"github.com/trikernel/orchestrator/internal/consensus"
	"github.com/trikernel/orchestrator/internal/delegate"
	"github.com/trikernel/orchestrator/internal/heal"
	"github.com/trikernel/orchestrator/internal/integrity"
	"github.com/trikernel/orchestrator/internal/lock"
	"github.com/trikernel/orchestrator/internal/observability"
	"github.com/trikernel/orchestrator/internal/phase"
	"github.com/trikernel/orchestrator/internal/queue"
	"github.com/trikernel/orchestrator/internal/ratelimit"
	"github.com/trikernel/orchestrator/internal/statemachine"
	"github.com/trikernel/orchestrator/internal/store"
)

// Kernel holds every subsystem the kernel needs to schedule and drive
// tasks, constructed once at boot and passed by reference to the HTTP
// surface and any in-process workers.
type Kernel struct {
	Config *config.Config
	DB     *store.DB
	Log    zerolog.Logger

	Queue     *queue.Queue
	Leader    *lock.HostLeader
	RateLimit *ratelimit.Limiter
	Healer    *heal.Supervisor
	Pause     *heal.PauseController

	Delegate delegate.Caller

	Breakers     map[string]*breaker.Breaker
	CostBreakers map[string]*breaker.CostBreaker
	Consensus    map[string]*consensus.Engine // keyed by review type
	Phase        *phase.Controller

	NodeID string
}

// New opens the durable store and constructs every subsystem from cfg,
// following the teacher's store-first wiring order. It does not start any
// background loop (healer ticker, leader election) — call Start for that.
func New(ctx context.Context, cfg *config.Config, dbPath string, logger zerolog.Logger) (*Kernel, error) {
	retry := store.RetryConfig{
		MaxRetries:   cfg.Sqlite.MaxRetries,
		InitialDelay: time.Duration(cfg.Sqlite.RetryDelayMS) * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
	db, err := store.Open(ctx, cfg.StateDir, dbPath, retry, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if cfg.Integrity.Enabled {
		if err := integrity.CheckBaseline(cfg.Integrity.BaselineHash); err != nil {
			return nil, fmt.Errorf("binary integrity check failed: %w", err)
		}
	}

	highThreshold, mediumThreshold, lowThreshold := cfg.PriorityEscalationDurations()
	queue.SetAgingThresholds(highThreshold, mediumThreshold, lowThreshold)

	pause, err := heal.NewPauseController(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("loading pause state: %w", err)
	}

	commands := make(map[string]delegate.CommandConfig)
	for name, m := range cfg.Models {
		if !m.Enabled {
			continue
		}
		commands[name] = delegate.CommandConfig{Bin: m.Command, Args: m.Args}
	}
	caller := delegate.NewCommandCaller(commands)

	breakers := make(map[string]*breaker.Breaker)
	costBreakers := make(map[string]*breaker.CostBreaker)
	rl := ratelimit.New(cfg.StateDir)
	costCfg := breaker.CostConfig{
		DailyBudgetTokens: cfg.CostLimits.DailyBudgetTokens,
		Margin:            cfg.CostLimits.MarginPct,
		Reserve:           cfg.CostLimits.ReserveTokens,
	}
	for name, m := range cfg.Models {
		if !m.Enabled {
			continue
		}
		b, err := breaker.New(ctx, db, name, breaker.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("constructing breaker for %s: %w", name, err)
		}
		breakers[name] = b
		costBreakers[name] = breaker.NewCostBreaker(db, name, costCfg)
		rl.Configure(name, ratelimit.Config{RatePerSecond: float64(m.MaxConcurrent) / 10, Burst: m.MaxConcurrent})
	}

	consensusCfg := consensus.Config{
		Timeout:           cfg.ConsensusTimeout(),
		ApproveConfidence: cfg.Consensus.MinConfidence,
		RejectConfidence:  cfg.Consensus.RejectConfidence,
		ApprovalThreshold: cfg.Consensus.ApprovalThreshold,
	}
	engines := make(map[string]*consensus.Engine)
	for reviewType := range cfg.Routing {
		engines[reviewType] = consensus.New(db, caller, cfg.Roster(reviewType), consensusCfg, logger)
	}
	if _, ok := engines["DEFAULT"]; !ok {
		engines["DEFAULT"] = consensus.New(db, caller, cfg.Roster("DEFAULT"), consensusCfg, logger)
	}

	phaseCtrl := phase.New(db, engines["DEFAULT"], phase.DefaultRequiredArtifacts())

	healCfg := heal.Config{
		Interval:           time.Duration(cfg.Healing.IntervalSeconds) * time.Second,
		WorkerStaleAfter:   time.Duration(cfg.Healing.WorkerStaleMinutes) * time.Minute,
		StuckTaskAfter:     time.Duration(cfg.Healing.StuckTaskHours) * time.Hour,
		QueueDepthDegrade:  cfg.Healing.QueueDepthDegrade,
		QueueDepthCritical: cfg.Healing.QueueDepthCritical,
		StateDir:           cfg.StateDir,
	}
	healer := heal.New(db, healCfg, cfg.EnabledModels(), pause, logger)

	nodeID := uuid.NewString()
	leaderCfg := lock.DefaultHostLeaderConfig(cfg.StateDir)
	leader := lock.NewHostLeader(leaderCfg, db, nodeID, logger)

	q := queue.New()
	if err := q.Rebuild(ctx, db); err != nil {
		return nil, fmt.Errorf("rebuilding queue cache: %w", err)
	}

	return &Kernel{
		Config: cfg, DB: db, Log: logger,
		Queue: q, Leader: leader, RateLimit: rl, Healer: healer, Pause: pause,
		Delegate: caller, Breakers: breakers, CostBreakers: costBreakers,
		Consensus: engines, Phase: phaseCtrl, NodeID: nodeID,
	}, nil
}

// Start begins background loops: the healer ticker always runs (health
// must be observable even on a standby node), and the host leader election
// loop with the escalation sweep wired as the elected callback.
func (k *Kernel) Start(ctx context.Context) {
	k.Healer.Start(ctx)
	k.Leader.SetCallbacks(
		func(ctx context.Context) {
			k.Log.Info().Str("node_id", k.NodeID).Msg("elected host leader, starting escalation sweep")
			go k.escalationLoop(ctx)
		},
		func() {
			k.Log.Info().Str("node_id", k.NodeID).Msg("lost host leadership")
		},
	)
	k.Leader.Start(ctx)
}

// escalationLoop periodically promotes aged QUEUED tasks and refreshes the
// dispatch cache, the leader-only responsibility generalized from the
// teacher's scheduler reconciliation tick. Promotion is written back to the
// durable priority column via UpdatePriority: ClaimTask orders by that
// column, so a promotion only takes effect once persisted there, not merely
// reordered in the in-memory heap.
func (k *Kernel) escalationLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !k.Leader.IsLeader() {
				return
			}
			k.runEscalationSweep(ctx)
		}
	}
}

// runEscalationSweep scans every QUEUED task and promotes those that have
// aged past their lane's threshold, then rebuilds the dispatch cache so it
// reflects the updated priorities.
func (k *Kernel) runEscalationSweep(ctx context.Context) {
	tasks, err := k.DB.ListTasksByState(ctx, store.StateQueued)
	if err != nil {
		k.Log.Warn().Err(err).Msg("listing queued tasks for escalation sweep")
		return
	}
	now := time.Now()
	for _, t := range tasks {
		promoted := queue.EffectivePriority(t.Priority, now.Sub(t.CreatedAt))
		if promoted == t.Priority {
			continue
		}
		if err := k.DB.UpdatePriority(ctx, t.ID, promoted); err != nil {
			k.Log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to persist priority escalation")
			continue
		}
		if _, err := k.DB.AppendEvent(ctx, &store.Event{
			AggregateType: "task", AggregateID: t.ID, EventType: "priority_escalated",
			Payload: fmt.Sprintf(`{"from":%q,"to":%q}`, t.Priority, promoted), Source: "kernel",
		}); err != nil {
			k.Log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to record escalation event")
		}
		k.Log.Info().Str("task_id", t.ID).Str("from", t.Priority.String()).Str("to", promoted.String()).Msg("priority escalated")
	}
	if err := k.Queue.Rebuild(ctx, k.DB); err != nil {
		k.Log.Warn().Err(err).Msg("queue rebuild failed during escalation sweep")
		return
	}
	observability.QueueDepth.WithLabelValues("all").Set(float64(k.Queue.Len()))
}

// SubmitTask inserts a new task and admits it into the dispatch cache,
// generalizing the teacher's Scheduler.Submit to this domain's Task shape.
func (k *Kernel) SubmitTask(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = store.StateQueued
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if k.Pause.IsPaused() {
		t.State = store.StatePaused
	}
	if err := k.DB.InsertTask(ctx, t); err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	if _, err := k.DB.AppendEvent(ctx, &store.Event{
		AggregateType: "task", AggregateID: t.ID, EventType: "submitted",
		TraceID: t.TraceID, Source: "kernel",
	}); err != nil {
		return fmt.Errorf("recording submit event: %w", err)
	}
	if t.State == store.StateQueued {
		k.Queue.Push(&queue.Item{TaskID: t.ID, Priority: t.Priority, SubmitTime: t.CreatedAt})
		observability.QueueDepth.WithLabelValues("all").Set(float64(k.Queue.Len()))
	}
	observability.TaskTransitions.WithLabelValues("", string(t.State)).Inc()
	return nil
}

// GetTask returns one task by ID.
func (k *Kernel) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return k.DB.GetTask(ctx, id)
}

// EventsSince returns events with seq_id > afterSeq, for event-tail polling.
func (k *Kernel) EventsSince(ctx context.Context, afterSeq int64, limit int) ([]*store.Event, error) {
	return k.DB.EventsSince(ctx, afterSeq, limit)
}

// ClaimNext lets a worker claim the next eligible task through the durable
// atomic claim, which picks the task by the database's priority/age order
// and prevents double-claims. The in-memory priority cache is not consulted
// for the choice; its top entry is popped afterwards to keep its length in
// step with the queue.
func (k *Kernel) ClaimNext(ctx context.Context, workerID string, types []string, shard, model string) (*store.Task, error) {
	if k.Pause.IsPaused() {
		return nil, nil
	}
	if b, ok := k.Breakers[model]; ok {
		allow, err := b.Allow(ctx)
		if err != nil {
			return nil, err
		}
		if !allow {
			observability.BreakerState.WithLabelValues(model).Set(2)
			return nil, nil
		}
	}
	task, err := statemachine.Claim(ctx, k.DB, workerID, types, shard, model)
	if err != nil || task == nil {
		return task, err
	}
	k.Queue.Pop()
	observability.QueueDepth.WithLabelValues("all").Set(float64(k.Queue.Len()))
	observability.TaskTransitions.WithLabelValues(string(store.StateQueued), string(store.StateRunning)).Inc()
	return task, nil
}

// Shutdown closes the durable store; callers should stop background loops
// (via context cancellation) before calling this.
func (k *Kernel) Shutdown() error {
	return k.DB.Close()
}
