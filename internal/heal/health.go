// Package heal implements the self-healing supervisor: a periodic health
// snapshot across five subchecks plus idempotent recovery actions,
// generalizing the teacher's coordination.AgentMonitor ticker-driven
// stale-heartbeat scan (worker subcheck) and resilience.DegradedMode's
// availability tracking (overall pause-flag tracking, renamed
// PauseController here).
package heal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/breaker"
	"github.com/trikernel/orchestrator/internal/store"
)

// Status mirrors spec.md §4.8's three-level overall/subcheck status.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// SubcheckResult is one of the five aggregated subchecks.
type SubcheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Snapshot is the persisted health.json document.
type Snapshot struct {
	Overall    Status           `json:"overall"`
	Subchecks  []SubcheckResult `json:"subchecks"`
	Paused     bool             `json:"paused"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// Config tunes the supervisor's thresholds, all named in spec.md §4.8.
type Config struct {
	Interval          time.Duration
	WorkerStaleAfter  time.Duration // busy + no heartbeat
	StuckTaskAfter    time.Duration // RUNNING longer than this
	QueueDepthDegrade int
	QueueDepthCritical int
	StateDir          string
}

func DefaultConfig(stateDir string) Config {
	return Config{
		Interval:           60 * time.Second,
		WorkerStaleAfter:   30 * time.Minute,
		StuckTaskAfter:     2 * time.Hour,
		QueueDepthDegrade:  200,
		QueueDepthCritical: 1000,
		StateDir:           stateDir,
	}
}

// CostChecker abstracts the piece of internal/breaker the healer needs,
// without importing a circular dependency on a concrete delegate roster.
type CostChecker interface {
	Remaining(ctx context.Context, model string) (int64, error)
}

// Supervisor runs the periodic tick loop and owns the pause flag.
type Supervisor struct {
	db     *store.DB
	cfg    Config
	models []string
	pause  *PauseController
	log    zerolog.Logger
}

func New(db *store.DB, cfg Config, models []string, pause *PauseController, logger zerolog.Logger) *Supervisor {
	return &Supervisor{db: db, cfg: cfg, models: models, pause: pause, log: logger.With().Str("component", "heal").Logger()}
}

// Start runs Tick on cfg.Interval until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Warn().Err(err).Msg("health tick failed")
			}
		}
	}
}

// Tick produces one snapshot, persists it, performs idempotent recovery
// actions, and returns the snapshot.
func (s *Supervisor) Tick(ctx context.Context) (*Snapshot, error) {
	checks := []SubcheckResult{
		s.checkDatabase(ctx),
		s.checkBreakers(ctx),
		s.checkWorkers(ctx),
		s.checkQueue(ctx),
		s.checkCost(ctx),
	}

	overall := StatusHealthy
	for _, c := range checks {
		overall = worse(overall, c.Status)
	}

	snap := &Snapshot{Overall: overall, Subchecks: checks, Paused: s.pause.IsPaused(), CheckedAt: time.Now()}

	if err := s.persist(ctx, snap); err != nil {
		return snap, err
	}

	if err := s.healDatabase(ctx); err != nil {
		s.log.Warn().Err(err).Msg("db healing action failed")
	}
	if err := s.healBreakers(ctx); err != nil {
		s.log.Warn().Err(err).Msg("breaker healing action failed")
	}
	if err := s.healWorkers(ctx); err != nil {
		s.log.Warn().Err(err).Msg("worker healing action failed")
	}
	if err := s.healQueue(ctx); err != nil {
		s.log.Warn().Err(err).Msg("queue healing action failed")
	}

	return snap, nil
}

func (s *Supervisor) persist(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.db.RecordHealthStatus(ctx, string(snap.Overall), string(payload)); err != nil {
		return err
	}
	if s.cfg.StateDir == "" {
		return nil
	}
	path := filepath.Join(s.cfg.StateDir, "health.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// checkDatabase: file present, integrity check OK, WAL mode active.
func (s *Supervisor) checkDatabase(ctx context.Context) SubcheckResult {
	name := "database"
	if _, err := os.Stat(s.db.Path()); err != nil {
		return SubcheckResult{Name: name, Status: StatusCritical, Detail: "database file missing: " + err.Error()}
	}

	var mode string
	if err := s.db.Reader().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return SubcheckResult{Name: name, Status: StatusCritical, Detail: "journal_mode query failed: " + err.Error()}
	}
	if mode != "wal" {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "journal_mode is " + mode + ", expected wal"}
	}

	var result string
	if err := s.db.Reader().QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return SubcheckResult{Name: name, Status: StatusCritical, Detail: "integrity_check failed: " + err.Error()}
	}
	if result != "ok" {
		return SubcheckResult{Name: name, Status: StatusCritical, Detail: "integrity_check: " + result}
	}
	return SubcheckResult{Name: name, Status: StatusHealthy, Detail: "ok"}
}

// checkBreakers: degraded if >=1 OPEN, critical if all are OPEN.
func (s *Supervisor) checkBreakers(ctx context.Context) SubcheckResult {
	name := "breakers"
	recs, err := s.db.AllBreakers(ctx)
	if err != nil {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "could not list breakers: " + err.Error()}
	}
	if len(recs) == 0 {
		return SubcheckResult{Name: name, Status: StatusHealthy, Detail: "no breakers recorded"}
	}
	open := 0
	for _, r := range recs {
		if r.State == store.BreakerOpen {
			open++
		}
	}
	switch {
	case open == 0:
		return SubcheckResult{Name: name, Status: StatusHealthy, Detail: "all breakers CLOSED/HALF_OPEN"}
	case open == len(recs):
		return SubcheckResult{Name: name, Status: StatusCritical, Detail: "all delegate breakers OPEN"}
	default:
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "some delegate breakers OPEN"}
	}
}

// checkWorkers: active count, stale (busy + no heartbeat for >= threshold).
func (s *Supervisor) checkWorkers(ctx context.Context) SubcheckResult {
	name := "workers"
	workers, err := s.db.ListWorkers(ctx)
	if err != nil {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "could not list workers: " + err.Error()}
	}
	active, stale := 0, 0
	cutoff := time.Now().Add(-s.cfg.WorkerStaleAfter)
	for _, w := range workers {
		if w.Status == store.WorkerDead || w.Status == store.WorkerCrashed {
			continue
		}
		active++
		if w.Status == store.WorkerBusy && w.LastHeartbeat.Before(cutoff) {
			stale++
		}
	}
	if stale > 0 {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "stale busy workers present"}
	}
	return SubcheckResult{Name: name, Status: StatusHealthy, Detail: "active workers healthy"}
}

// checkQueue: stuck RUNNING tasks, queue depth, failed-but-retryable count.
func (s *Supervisor) checkQueue(ctx context.Context) SubcheckResult {
	name := "queue"
	stuck, err := s.db.StaleRunningTasks(ctx, s.cfg.StuckTaskAfter)
	if err != nil {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "could not scan stuck tasks: " + err.Error()}
	}
	queued, err := s.db.ListTasksByState(ctx, store.StateQueued)
	if err != nil {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "could not list queued tasks: " + err.Error()}
	}

	status := StatusHealthy
	if len(stuck) > 0 {
		status = worse(status, StatusDegraded)
	}
	if len(queued) >= s.cfg.QueueDepthCritical {
		status = worse(status, StatusCritical)
	} else if len(queued) >= s.cfg.QueueDepthDegrade {
		status = worse(status, StatusDegraded)
	}
	return SubcheckResult{Name: name, Status: status, Detail: "queue depth and stuck-task scan complete"}
}

// checkCost: daily spend vs budget, paused flag. Reported only, never
// mutates — the cost breaker is the enforcement point.
func (s *Supervisor) checkCost(ctx context.Context) SubcheckResult {
	name := "cost"
	if s.pause.IsPaused() {
		return SubcheckResult{Name: name, Status: StatusDegraded, Detail: "cost pause flag active: " + s.pause.Reason()}
	}
	return SubcheckResult{Name: name, Status: StatusHealthy, Detail: "within budget"}
}

// healDatabase: truncate WAL and run an incremental vacuum. Never kills
// locking processes.
func (s *Supervisor) healDatabase(ctx context.Context) error {
	if _, err := s.db.Writer().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	_, err := s.db.Writer().ExecContext(ctx, "PRAGMA incremental_vacuum")
	return err
}

// healBreakers: any OPEN breaker whose cooldown has elapsed moves to
// HALF_OPEN, mirroring internal/breaker.Breaker.Allow's lazy transition so
// an idle delegate (no traffic to trigger the lazy check) still recovers.
func (s *Supervisor) healBreakers(ctx context.Context) error {
	recs, err := s.db.AllBreakers(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.State != store.BreakerOpen || r.LastFailure == nil {
			continue
		}
		if time.Since(*r.LastFailure) <= breaker.DefaultConfig().CooldownPeriod {
			continue
		}
		r.State = store.BreakerHalfOpen
		r.HalfOpenCalls = 0
		if err := s.db.SaveBreaker(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// healWorkers: stale workers go dead; a RUNNING task assigned to a dead
// worker returns to QUEUED with retry_count incremented, or goes to
// ESCALATED if its retry_count has already reached max_retries.
func (s *Supervisor) healWorkers(ctx context.Context) error {
	workers, err := s.db.ListWorkers(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.WorkerStaleAfter)
	for _, w := range workers {
		if w.Status != store.WorkerBusy || !w.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := s.db.SetWorkerStatus(ctx, w.ID, store.WorkerDead, ""); err != nil {
			return err
		}
		if w.CurrentTask == "" {
			continue
		}
		task, err := s.db.GetTask(ctx, w.CurrentTask)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if task.State != store.StateRunning {
			continue
		}
		if task.RetryCount >= task.MaxRetries {
			if err := s.db.TransitionTask(ctx, task.ID, store.StateRunning, store.StateEscalated); err != nil && err != store.ErrConflict {
				return err
			}
			continue
		}
		if err := requeueWithRetry(ctx, s.db, task, store.StateRunning); err != nil {
			return err
		}
	}
	return nil
}

// healQueue: RUNNING tasks stuck past StuckTaskAfter with retries remaining
// return to QUEUED; FAILED tasks with retries remaining return to QUEUED
// (the retryable-error-class distinction is left to the caller's
// error-classification layer — here all FAILED-with-budget tasks qualify).
func (s *Supervisor) healQueue(ctx context.Context) error {
	stuck, err := s.db.StaleRunningTasks(ctx, s.cfg.StuckTaskAfter)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		if t.RetryCount >= t.MaxRetries {
			continue
		}
		if err := requeueWithRetry(ctx, s.db, t, store.StateRunning); err != nil {
			return err
		}
	}

	failed, err := s.db.ListTasksByState(ctx, store.StateFailed)
	if err != nil {
		return err
	}
	for _, t := range failed {
		if t.RetryCount >= t.MaxRetries {
			continue
		}
		if err := requeueWithRetry(ctx, s.db, t, store.StateFailed); err != nil {
			return err
		}
	}
	return nil
}

func requeueWithRetry(ctx context.Context, db *store.DB, t *store.Task, from store.TaskState) error {
	if err := db.TransitionTask(ctx, t.ID, from, store.StateQueued); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	_, _, err := db.IncrementRetry(ctx, t.ID)
	return err
}
