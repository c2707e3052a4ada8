// Package ratelimit provides a per-delegate token-bucket admission gate,
// generalizing the teacher's scheduler.TokenBucketLimiter (keyed by
// node/tenant) to keying by delegate model name, with bucket state
// snapshotted to disk under a file lock so a restarted process does not
// reset an in-flight budget window.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"
)

// Config tunes one delegate's bucket.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// Limiter holds one in-memory token bucket per key, restorable from and
// snapshot to a JSON file per key under dir.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	cfg     map[string]Config
	dir     string
}

func New(dir string) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		cfg:     make(map[string]Config),
		dir:     dir,
	}
}

type bucketSnapshot struct {
	Tokens    float64   `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Limiter) snapshotPath(key string) string {
	return filepath.Join(l.dir, "rate-limits", fmt.Sprintf("%s.json", key))
}

// Configure sets (or resets) a delegate's rate and burst, restoring any
// previously persisted bucket fill level.
func (l *Limiter) Configure(key string, cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	if snap, err := l.loadSnapshot(key); err == nil {
		elapsed := time.Since(snap.UpdatedAt).Seconds()
		restored := snap.Tokens + elapsed*cfg.RatePerSecond
		if restored > float64(cfg.Burst) {
			restored = float64(cfg.Burst)
		}
		lim.SetBurst(cfg.Burst)
		lim.SetLimit(rate.Limit(cfg.RatePerSecond))
		lim.ReserveN(time.Now(), cfg.Burst-int(restored))
	}
	l.buckets[key] = lim
	l.cfg[key] = cfg
	return nil
}

func (l *Limiter) get(key string) *rate.Limiter {
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(0, 0)
		l.buckets[key] = lim
	}
	return lim
}

// Allow reports whether a call for key may proceed right now, persisting
// the updated bucket state under a file lock.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.get(key)
	ok := lim.Allow()
	l.persist(key, lim)
	return ok
}

// Reserve reports whether key is currently within budget, and if not, how
// long the caller should wait before retrying. Like Allow it consumes no
// token on rejection; unlike Allow it also reports the wait.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.get(key)
	r := lim.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	l.persist(key, lim)
	return true, 0
}

func (l *Limiter) persist(key string, lim *rate.Limiter) {
	if l.dir == "" {
		return
	}
	path := l.snapshotPath(key)
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return
	}
	defer fl.Unlock()

	snap := bucketSnapshot{Tokens: lim.TokensAt(time.Now()), UpdatedAt: time.Now()}
	blob, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, blob, 0o600)
}

func (l *Limiter) loadSnapshot(key string) (*bucketSnapshot, error) {
	if l.dir == "" {
		return nil, os.ErrNotExist
	}
	path := l.snapshotPath(key)
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	defer fl.Unlock()

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap bucketSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
