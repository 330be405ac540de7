// Package recovery implements the zombie-saga sweeper: scan TaskStates
// stuck in a non-terminal status, ask an external repair analyzer what is
// wrong, and either publish a resume with the suggested fix or escalate
// for human intervention. The analyzer is a black box behind an
// interface; this package only decides what to do with its verdict.
package recovery

import (
	"context"
	"time"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/outbox"
)

// RepairSuggestion is the external repair analyzer's verdict for one
// zombie TaskState.
type RepairSuggestion struct {
	FailureType    string
	Confidence     float64
	SuggestedFix   map[string]any
	CanAutoRepair  bool
}

// RepairAnalyzer is the external diagnostic collaborator: given a stuck
// TaskState, it diagnoses why and proposes a fix. Implementations are
// outside this module's scope.
type RepairAnalyzer interface {
	Analyze(ctx context.Context, ts domain.TaskState) (RepairSuggestion, error)
}

// ShadowRunner optionally gates auto-repair behind a dry run: simulate the
// remaining plan against the current schema and report how far the
// simulated run diverges from what actually happened. A Sweeper without a
// ShadowRunner skips this gate entirely.
type ShadowRunner interface {
	Simulate(ctx context.Context, ts domain.TaskState, fix map[string]any) (divergence float64, err error)
}

// StaleTaskLister is the read side the Sweeper scans each tick — in
// production, internal/checkpoint.Store.ListStaleTasks.
type StaleTaskLister interface {
	ListStaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskState, error)
}

// AttemptMarker persists the incremented recovery-attempt counter for an
// execution the Sweeper just scheduled an auto-repair for, so the
// MaxAutoRepairAttempts cap holds across sweeps. The production lister
// (checkpoint.Store) implements it; a lister that doesn't leaves the
// counter untracked.
type AttemptMarker interface {
	MarkRecoveryAttempt(ctx context.Context, executionID string) error
}

// Config tunes Sweeper.Tick.
type Config struct {
	StuckAfter            time.Duration
	MaxCandidatesPerTick  int
	MaxAutoRepairAttempts int
	ConfidenceThreshold   float64
	// DivergenceThreshold bounds ShadowRunner.Simulate's reported
	// divergence; a simulation that diverges more than this blocks
	// auto-repair even if CanAutoRepair and confidence both clear.
	DivergenceThreshold float64
}

// DefaultConfig bounds a tick at 100 candidates and auto-repair at 2
// attempts per execution.
func DefaultConfig() Config {
	return Config{
		StuckAfter:            30 * time.Minute,
		MaxCandidatesPerTick:  100,
		MaxAutoRepairAttempts: 2,
		ConfidenceThreshold:   0.8,
		DivergenceThreshold:   0.3,
	}
}

// Sweeper scans for zombie sagas and resolves them.
type Sweeper struct {
	lister   StaleTaskLister
	marker   AttemptMarker // non-nil when lister also persists attempt counts
	analyzer RepairAnalyzer
	shadow   ShadowRunner // optional, may be nil
	log      *outbox.Log
	cfg      Config
	clock    func() time.Time
}

// New builds a Sweeper. shadow may be nil to skip the dry-run gate.
func New(lister StaleTaskLister, analyzer RepairAnalyzer, shadow ShadowRunner, log *outbox.Log, cfg Config, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	s := &Sweeper{lister: lister, analyzer: analyzer, shadow: shadow, log: log, cfg: cfg, clock: clock}
	if m, ok := lister.(AttemptMarker); ok {
		s.marker = m
	}
	return s
}

// TickResult summarizes what one Tick did.
type TickResult struct {
	Scanned   int
	Resumed   int
	Escalated int
}

// Tick scans for TaskStates older than cfg.StuckAfter and non-terminal,
// bounded to cfg.MaxCandidatesPerTick, and resolves each: publish
// WORKFLOW_RESUME with the suggested fix if CanAutoRepair, confidence
// clears the threshold, recovery attempts remain, and (if a ShadowRunner
// is wired) the simulated divergence stays under threshold; otherwise
// publish SAGA_MANUAL_INTERVENTION_REQUIRED.
func (s *Sweeper) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	cutoff := s.clock().Add(-s.cfg.StuckAfter)

	candidates, err := s.lister.ListStaleTasks(ctx, cutoff, s.cfg.MaxCandidatesPerTick)
	if err != nil {
		return result, err
	}
	result.Scanned = len(candidates)

	for _, ts := range candidates {
		if err := s.resolveOne(ctx, ts, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Sweeper) resolveOne(ctx context.Context, ts domain.TaskState, result *TickResult) error {
	suggestion, err := s.analyzer.Analyze(ctx, ts)
	if err != nil {
		return err
	}

	if s.canAutoRepair(ctx, ts, suggestion) {
		payload := map[string]any{
			"failure_type":      suggestion.FailureType,
			"confidence":        suggestion.Confidence,
			"suggested_fix":     suggestion.SuggestedFix,
			"recovery_attempts": ts.RecoveryAttempts + 1,
		}
		if _, err := s.log.Append(ctx, ts.ExecutionID, outbox.EventWorkflowResume, payload); err != nil {
			return err
		}
		if s.marker != nil {
			if err := s.marker.MarkRecoveryAttempt(ctx, ts.ExecutionID); err != nil {
				return err
			}
		}
		result.Resumed++
		return nil
	}

	if _, err := s.log.Append(ctx, ts.ExecutionID, outbox.EventSagaManualInterventionReq, map[string]any{
		"failure_type": suggestion.FailureType,
		"confidence":   suggestion.Confidence,
	}); err != nil {
		return err
	}
	result.Escalated++
	return nil
}

func (s *Sweeper) canAutoRepair(ctx context.Context, ts domain.TaskState, suggestion RepairSuggestion) bool {
	if !suggestion.CanAutoRepair {
		return false
	}
	if suggestion.Confidence < s.cfg.ConfidenceThreshold {
		return false
	}
	if ts.RecoveryAttempts >= s.cfg.MaxAutoRepairAttempts {
		return false
	}
	if s.shadow == nil {
		return true
	}
	divergence, err := s.shadow.Simulate(ctx, ts, suggestion.SuggestedFix)
	if err != nil {
		return false
	}
	return divergence <= s.cfg.DivergenceThreshold
}
