// Package config loads the saga executor's engine-wide configuration from
// YAML: namespace, every checkpoint TTL, the three runner budgets, the OCC
// backoff parameters, and the DLQ sweeper's thresholds. This struct is the
// file-loadable half of configuration; runner and checkpoint Options remain
// the programmatic override path.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TTLConfig holds per-record-kind TTLs loaded from YAML. Nothing applies
// these values: internal/checkpoint.TTLFor always answers from its own
// built-in table.
type TTLConfig struct {
	ExecutionState time.Duration `yaml:"execution_state"`
	ExecutionTrace time.Duration `yaml:"execution_trace"`
	IntentHistory  time.Duration `yaml:"intent_history"`
	PlanCache      time.Duration `yaml:"plan_cache"`
	ToolResult     time.Duration `yaml:"tool_result"`
	UserContext    time.Duration `yaml:"user_context"`
}

// RunnerConfig mirrors internal/runner.Config's three named budgets, plus
// the delay a yielded invocation schedules its own resume with.
type RunnerConfig struct {
	InvocationBudget    time.Duration `yaml:"invocation_budget"`
	CheckpointThreshold time.Duration `yaml:"checkpoint_threshold"`
	SegmentTimeout      time.Duration `yaml:"segment_timeout"`
	ResumeDelay         time.Duration `yaml:"resume_delay"`
}

// BackoffConfig mirrors internal/checkpoint.Options' OCC rebase policy.
type BackoffConfig struct {
	MaxRebases int           `yaml:"max_rebases"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	JitterFrac float64       `yaml:"jitter_frac"`
}

// RecoveryConfig mirrors internal/recovery.Sweeper's tunables.
type RecoveryConfig struct {
	StuckAfter          time.Duration `yaml:"stuck_after"`
	MaxCandidatesPerTick int          `yaml:"max_candidates_per_tick"`
	MaxAutoRepairAttempts int         `yaml:"max_auto_repair_attempts"`
	ConfidenceThreshold  float64      `yaml:"confidence_threshold"`
}

// OutboxConfig mirrors internal/outbox.Relay's tunables.
type OutboxConfig struct {
	BatchSizePerTick int           `yaml:"batch_size_per_tick"`
	EventExpiry      time.Duration `yaml:"event_expiry"`
}

// EngineConfig is the top-level, YAML-loadable configuration for one
// deployment of the saga executor.
type EngineConfig struct {
	Namespace string        `yaml:"namespace"`
	TTL       TTLConfig      `yaml:"ttl"`
	Runner    RunnerConfig   `yaml:"runner"`
	Backoff   BackoffConfig  `yaml:"backoff"`
	Recovery  RecoveryConfig `yaml:"recovery"`
	Outbox    OutboxConfig   `yaml:"outbox"`
}

// Default returns the stock configuration: 10s invocation budget, 7s
// checkpoint threshold, 8.5s segment timeout, OCC rebase of 3
// attempts/100ms base/1s cap/30% jitter, max 2 auto-repair attempts,
// outbox batch 10 with 7d expiry.
func Default() EngineConfig {
	return EngineConfig{
		Namespace: "intentsaga",
		TTL: TTLConfig{
			ExecutionState: 24 * time.Hour,
			ExecutionTrace: 24 * time.Hour,
			IntentHistory:  3 * 24 * time.Hour,
			PlanCache:      time.Hour,
			ToolResult:     30 * time.Minute,
			UserContext:    7 * 24 * time.Hour,
		},
		Runner: RunnerConfig{
			InvocationBudget:    10 * time.Second,
			CheckpointThreshold: 7 * time.Second,
			SegmentTimeout:      8500 * time.Millisecond,
			ResumeDelay:         2 * time.Second,
		},
		Backoff: BackoffConfig{
			MaxRebases: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   time.Second,
			JitterFrac: 0.3,
		},
		Recovery: RecoveryConfig{
			StuckAfter:            30 * time.Minute,
			MaxCandidatesPerTick:  100,
			MaxAutoRepairAttempts: 2,
			ConfidenceThreshold:   0.8,
		},
		Outbox: OutboxConfig{
			BatchSizePerTick: 10,
			EventExpiry:      7 * 24 * time.Hour,
		},
	}
}

// Load reads and parses an EngineConfig from path, starting from Default()
// so a partial YAML file only needs to specify the fields it overrides.
func Load(path string) (EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
