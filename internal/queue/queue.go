// Package queue provides the in-memory priority dispatch cache layered over
// the durable task store: a min-heap ordering the working set of visible
// QUEUED tasks so the dispatcher never has to re-scan the database on every
// tick. The database remains the system of record; this heap is a cache
// that can always be rebuilt from it.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/trikernel/orchestrator/internal/store"
)

// Lane-promotion thresholds, one per lane: a HIGH task waiting longer than
// AgeThreshold1, a MEDIUM task longer than AgeThreshold2, or a LOW task
// longer than AgeThreshold3 is escalated one priority level.
// Defaults match spec.md's priority.escalation.{low,medium,high}_after_seconds;
// SetAgingThresholds lets the kernel override them once at boot from the
// loaded config, before any queue traffic flows.
var (
	AgeThreshold1 = 900 * time.Second
	AgeThreshold2 = 1800 * time.Second
	AgeThreshold3 = 3600 * time.Second
)

// SetAgingThresholds overrides the package-level aging thresholds. Intended
// to be called once during kernel startup, never concurrently with queue
// traffic. Arguments are each lane's own wait threshold, fastest-escalating
// first: highThreshold governs HIGH->CRITICAL, mediumThreshold governs
// MEDIUM->HIGH, lowThreshold governs LOW->MEDIUM.
func SetAgingThresholds(highThreshold, mediumThreshold, lowThreshold time.Duration) {
	AgeThreshold1, AgeThreshold2, AgeThreshold3 = highThreshold, mediumThreshold, lowThreshold
}

// Item is one dispatch-cache entry mirroring a visible QUEUED task.
type Item struct {
	TaskID     string
	Priority   store.Priority
	SubmitTime time.Time
	Deadline   time.Time
	index      int
}

// effectivePriority is the aging-adjusted ordering key. Per spec §4.4 each
// lane promotes one step after its own threshold elapses — LOW→MEDIUM after
// AgeThreshold3 (3600s), MEDIUM→HIGH after AgeThreshold2 (1800s), HIGH→CRITICAL
// after AgeThreshold1 (900s) — rather than stacking every threshold crossed
// into multiple promotions. It only ever moves a task toward more urgent
// (numerically lower) priority, never less.
func effectivePriority(it *Item, now time.Time) store.Priority {
	return EffectivePriority(it.Priority, now.Sub(it.SubmitTime))
}

// EffectivePriority is the exported single-lane aging rule, reused by the
// kernel's escalation sweep to decide which QUEUED tasks to actually
// promote in the durable store (the heap only reorders an in-memory cache;
// internal/store.ClaimTask orders by the persisted priority column, so a
// promotion is only real once it's written back via UpdatePriority).
func EffectivePriority(priority store.Priority, waited time.Duration) store.Priority {
	switch priority {
	case store.PriorityLow:
		if waited >= AgeThreshold3 {
			return store.PriorityMedium
		}
	case store.PriorityMedium:
		if waited >= AgeThreshold2 {
			return store.PriorityHigh
		}
	case store.PriorityHigh:
		if waited >= AgeThreshold1 {
			return store.PriorityCritical
		}
	}
	return priority
}

// heapSlice implements container/heap.Interface, adapted from the teacher's
// TaskQueue: Pop returns the item with the lowest effective priority value
// (highest urgency), ties broken by earliest deadline.
type heapSlice []*Item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	now := time.Now()
	pi := effectivePriority(h[i], now)
	pj := effectivePriority(h[j], now)
	if pi != pj {
		return pi < pj
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority dispatch cache.
type Queue struct {
	mu sync.Mutex
	h  heapSlice
}

func New() *Queue {
	return &Queue{h: make(heapSlice, 0)}
}

func (q *Queue) Push(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, it)
}

// Pop removes and returns the most urgent item, or nil if empty.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Item)
}

func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Rebuild discards the current cache and reloads it from every QUEUED task
// in the durable store, the recovery path after a restart or after the
// cache is suspected stale.
func (q *Queue) Rebuild(ctx context.Context, db *store.DB) error {
	tasks, err := db.ListTasksByState(ctx, store.StateQueued)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = make(heapSlice, 0, len(tasks))
	for _, t := range tasks {
		heap.Push(&q.h, &Item{TaskID: t.ID, Priority: t.Priority, SubmitTime: t.CreatedAt})
	}
	return nil
}

// Checkpoint is the payload written before a RUNNING task is preempted back
// to QUEUED, so the next claimant can resume from where the previous
// worker left off instead of starting over.
type Checkpoint struct {
	TaskID    string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}

// Preempt checkpoints a running task's partial progress and returns it to
// QUEUED so a higher-priority task can claim a worker, adapting the
// teacher's checkpoint-then-return-to-queue flush.
func Preempt(ctx context.Context, db *store.DB, taskID, reason, partialResult, preview string) error {
	cp := Checkpoint{TaskID: taskID, Reason: reason, Payload: partialResult, Preview: preview, CreatedAt: time.Now()}
	blob, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := db.SetState(ctx, "checkpoints", taskID, string(blob)); err != nil {
		return err
	}
	if _, err := db.AppendEvent(ctx, &store.Event{
		AggregateType: "task", AggregateID: taskID, EventType: "preempted",
		Payload: string(blob), Source: "queue",
	}); err != nil {
		return err
	}
	return db.TransitionTask(ctx, taskID, store.StateRunning, store.StateQueued)
}

// LoadCheckpoint returns a previously recorded checkpoint, if any.
func LoadCheckpoint(ctx context.Context, db *store.DB, taskID string) (*Checkpoint, error) {
	raw, err := db.GetState(ctx, "checkpoints", taskID)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
