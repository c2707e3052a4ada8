// Package config loads the kernel's single YAML configuration file into an
// immutable Config struct, validated once at boot — no re-sourcing, no
// globals. Shape and yaml: tag conventions are grounded on the
// randalmurphal-orc task-orchestrator config (nested sub-structs, doc
// comments stating defaults, omitempty on optional collections), adapted
// to this domain's models/routing/cost/consensus/lock/healing surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig configures one delegate.
type ModelConfig struct {
	// Enabled toggles whether this delegate participates in rosters.
	Enabled bool `yaml:"enabled"`

	// TimeoutSeconds bounds a single call to this delegate.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxConcurrent caps simultaneous in-flight calls to this delegate.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Command and Args invoke the delegate as a subprocess (CommandCaller).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// ModelsConfig is the models.* surface: one entry per delegate nickname
// (claude, codex, gemini, ...).
type ModelsConfig map[string]ModelConfig

// RoutingConfig maps review_type -> model roster (routing.*), e.g.
// ARCHITECTURE -> [claude, gemini], SECURITY -> [claude, codex],
// DEFAULT -> all enabled models.
type RoutingConfig map[string][]string

// CostLimitsConfig governs the daily spend guardrail (cost_limits.*).
// Amounts are expressed in tokens rather than the spec's USD surface: the
// kernel has no live pricing feed, so the store's costs table tracks raw token counts
// per internal/store's CostRecord and this config scales the same margin/
// reserve knobs spec.md describes in dollars onto that token ledger.
type CostLimitsConfig struct {
	Enabled          bool             `yaml:"enabled"`
	DailyBudgetUSD   float64          `yaml:"daily_budget_usd"`
	MarginPct        float64          `yaml:"margin_pct"`  // default 0.15
	ReserveUSD       float64          `yaml:"reserve_usd"` // default 1.0
	Per1kTokens      map[string]Price `yaml:"per_1k_tokens,omitempty"`
	DailyBudgetTokens int64           `yaml:"daily_budget_tokens"`
	ReserveTokens    int64            `yaml:"reserve_tokens"`
}

// Price is the input/output per-1k-token price for one model.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ConsensusConfigYAML is the consensus.* surface.
type ConsensusConfigYAML struct {
	ApprovalThreshold int     `yaml:"approval_threshold"` // default 2
	MinConfidence     float64 `yaml:"min_confidence"`     // default 0.7
	RejectConfidence  float64 `yaml:"reject_confidence"`  // default 0.9
	TimeoutSeconds    int     `yaml:"timeout_seconds"`    // default 300
}

// PriorityEscalationConfig is priority.escalation.*. Each field is how long
// a task waits in that lane, at its own priority, before promoting one
// lane up — per spec §4.4 the higher-urgency lanes promote fastest, so
// LowAfterSeconds (LOW's own wait, default 3600) is the largest and
// HighAfterSeconds (HIGH's own wait, default 900) is the smallest.
type PriorityEscalationConfig struct {
	LowAfterSeconds    int `yaml:"low_after_seconds"`
	MediumAfterSeconds int `yaml:"medium_after_seconds"`
	HighAfterSeconds   int `yaml:"high_after_seconds"`
}

// PriorityConfig is the priority.* surface.
type PriorityConfig struct {
	Escalation PriorityEscalationConfig `yaml:"escalation"`
}

// LocksConfig is the locks.* surface.
type LocksConfig struct {
	BackoffInitialMS      int  `yaml:"backoff_initial_ms"`
	BackoffMaxMS          int  `yaml:"backoff_max_ms"`
	StaleTimeoutSeconds   int  `yaml:"stale_timeout_seconds"`
	AutoReleaseStale      bool `yaml:"auto_release_stale"`
	DeadlockWarnSeconds   int  `yaml:"deadlock_warn_seconds"`
}

// SqliteConfig is the sqlite.* surface.
type SqliteConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
}

// HealingConfig is the healing.* surface.
type HealingConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	WorkerStaleMinutes int `yaml:"worker_stale_minutes"`
	StuckTaskHours     int `yaml:"stuck_task_hours"`
	QueueDepthDegrade  int `yaml:"queue_depth_degrade"`
	QueueDepthCritical int `yaml:"queue_depth_critical"`
}

// ServerConfig is the HTTP surface's bind address, following the
// randalmurphal-orc ServerConfig shape.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// IntegrityConfig controls the startup binary-hash baseline check and
// attestation key material.
type IntegrityConfig struct {
	BaselineHash   string `yaml:"baseline_hash,omitempty"`
	AttestationKey string `yaml:"attestation_public_key,omitempty"`
	Enabled        bool   `yaml:"enabled"`
}

// Config is the top-level, immutable configuration loaded once at boot.
type Config struct {
	StateDir string `yaml:"state_dir"`

	Models    ModelsConfig         `yaml:"models"`
	Routing   RoutingConfig        `yaml:"routing"`
	CostLimits CostLimitsConfig    `yaml:"cost_limits"`
	Consensus ConsensusConfigYAML  `yaml:"consensus"`
	Priority  PriorityConfig       `yaml:"priority"`
	Locks     LocksConfig          `yaml:"locks"`
	Sqlite    SqliteConfig         `yaml:"sqlite"`
	Healing   HealingConfig        `yaml:"healing"`
	Server    ServerConfig         `yaml:"server"`
	Integrity IntegrityConfig      `yaml:"integrity"`
}

// Default returns a Config populated with spec.md's documented defaults.
func Default() Config {
	return Config{
		StateDir: "./state",
		Models: ModelsConfig{
			"claude": {Enabled: true, TimeoutSeconds: 120, MaxConcurrent: 2, Command: "claude"},
			"codex":  {Enabled: true, TimeoutSeconds: 120, MaxConcurrent: 2, Command: "codex"},
			"gemini": {Enabled: true, TimeoutSeconds: 120, MaxConcurrent: 2, Command: "gemini"},
		},
		Routing: RoutingConfig{
			"ARCHITECTURE": {"claude", "gemini"},
			"SECURITY":     {"claude", "codex"},
			"DEFAULT":      {"claude", "codex", "gemini"},
		},
		CostLimits: CostLimitsConfig{
			Enabled: true, DailyBudgetUSD: 50, MarginPct: 0.15, ReserveUSD: 1.0,
			DailyBudgetTokens: 2_000_000, ReserveTokens: 5_000,
		},
		Consensus: ConsensusConfigYAML{ApprovalThreshold: 2, MinConfidence: 0.7, RejectConfidence: 0.9, TimeoutSeconds: 300},
		Priority: PriorityConfig{Escalation: PriorityEscalationConfig{
			LowAfterSeconds: 3600, MediumAfterSeconds: 1800, HighAfterSeconds: 900,
		}},
		Locks: LocksConfig{
			BackoffInitialMS: 200, BackoffMaxMS: 5000, StaleTimeoutSeconds: 300,
			AutoReleaseStale: true, DeadlockWarnSeconds: 30,
		},
		Sqlite:  SqliteConfig{MaxRetries: 10, RetryDelayMS: 200},
		Healing: HealingConfig{IntervalSeconds: 60, WorkerStaleMinutes: 30, StuckTaskHours: 2, QueueDepthDegrade: 200, QueueDepthCritical: 1000},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8090},
	}
}

// Load reads a YAML file, merges it over Default(), and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded config for internally-consistent values,
// following the teacher's boot-time fail-fast convention: a bad config
// must never let the kernel start in a half-configured state.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	enabledCount := 0
	for name, m := range c.Models {
		if !m.Enabled {
			continue
		}
		enabledCount++
		if m.TimeoutSeconds <= 0 {
			return fmt.Errorf("models.%s.timeout_seconds must be positive", name)
		}
		if m.Command == "" {
			return fmt.Errorf("models.%s.command must not be empty", name)
		}
	}
	if enabledCount < 2 {
		return fmt.Errorf("at least 2 delegates must be enabled, per spec.md's tri-agent minimum")
	}
	for reviewType, roster := range c.Routing {
		if len(roster) == 0 {
			return fmt.Errorf("routing.%s has an empty roster", reviewType)
		}
		for _, model := range roster {
			if m, ok := c.Models[model]; !ok || !m.Enabled {
				return fmt.Errorf("routing.%s references unknown or disabled model %q", reviewType, model)
			}
		}
	}
	if c.Consensus.MinConfidence < 0 || c.Consensus.MinConfidence > 1 {
		return fmt.Errorf("consensus.min_confidence must be in [0,1]")
	}
	if c.Consensus.RejectConfidence < 0 || c.Consensus.RejectConfidence > 1 {
		return fmt.Errorf("consensus.reject_confidence must be in [0,1]")
	}
	if c.Consensus.TimeoutSeconds <= 0 {
		return fmt.Errorf("consensus.timeout_seconds must be positive")
	}
	if c.CostLimits.MarginPct < 0 || c.CostLimits.MarginPct >= 1 {
		return fmt.Errorf("cost_limits.margin_pct must be in [0,1)")
	}
	if c.CostLimits.DailyBudgetTokens <= 0 {
		return fmt.Errorf("cost_limits.daily_budget_tokens must be positive")
	}
	esc := c.Priority.Escalation
	if !(0 < esc.HighAfterSeconds && esc.HighAfterSeconds < esc.MediumAfterSeconds && esc.MediumAfterSeconds < esc.LowAfterSeconds) {
		return fmt.Errorf("priority.escalation thresholds must satisfy 0 < high_after_seconds < medium_after_seconds < low_after_seconds (higher-urgency lanes promote fastest)")
	}
	if c.Healing.IntervalSeconds <= 0 {
		return fmt.Errorf("healing.interval_seconds must be positive")
	}
	return nil
}

// ConsensusTimeout returns the configured consensus timeout as a Duration.
func (c *Config) ConsensusTimeout() time.Duration {
	return time.Duration(c.Consensus.TimeoutSeconds) * time.Second
}

// PriorityEscalationDurations returns the three aging thresholds as
// Durations, ordered to match internal/queue.SetAgingThresholds(highThreshold,
// mediumThreshold, lowThreshold): HIGH's own (shortest) wait first, then
// MEDIUM's, then LOW's own (longest) wait last.
func (c *Config) PriorityEscalationDurations() (highThreshold, mediumThreshold, lowThreshold time.Duration) {
	e := c.Priority.Escalation
	return time.Duration(e.HighAfterSeconds) * time.Second,
		time.Duration(e.MediumAfterSeconds) * time.Second,
		time.Duration(e.LowAfterSeconds) * time.Second
}

// EnabledModels returns the nicknames of every enabled delegate.
func (c *Config) EnabledModels() []string {
	var out []string
	for name, m := range c.Models {
		if m.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Roster returns the configured model roster for a review type, falling
// back to routing.DEFAULT if the type has no specific entry.
func (c *Config) Roster(reviewType string) []string {
	if roster, ok := c.Routing[reviewType]; ok {
		return roster
	}
	return c.Routing["DEFAULT"]
}
