package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomwolfe/intentsaga/internal/checkpoint"
	"github.com/tomwolfe/intentsaga/internal/cost"
	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/idempotency"
)

// StepRunner executes a single resolved step and reports its outcome.
// internal/runner provides the production implementation (time-budgeted,
// circuit-broken); tests supply fakes.
type StepRunner interface {
	RunStep(ctx context.Context, step domain.Step, params map[string]any) StepOutcome
}

// StepOutcome is what a StepRunner reports back for one step attempt.
type StepOutcome struct {
	Output       map[string]any
	Compensation *domain.CompensationRegistration
	Tokens       *TokenSpend
	Err          *domain.SagaError
}

// TokenSpend is the usage an LLM-backed tool step reports, fed through
// internal/cost.Tracker so a Plan's BudgetConstraints.MaxTokens is
// enforced cumulatively across every step of the saga, not just planning.
type TokenSpend struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Scheduler runs one segment of a plan's DAG at a time.
// It reports a failed step by transitioning the execution to REFLECTING
// and returning SegmentFailed; it never triggers compensation itself —
// that is the sole job of the caller's saga coordinator (cmd/sagaworker's
// worker.compensateTask), since Coordinator.Compensate mutates the
// CompensationRegistration.Executed flags in place and would silently
// no-op if invoked a second time against the same state.
type Scheduler struct {
	Store       *checkpoint.Store
	Runner      StepRunner
	Registry    ToolRegistry
	Idempotency *idempotency.Gate
	Parallelism int
	Clock       func() time.Time
}

// SegmentStatus classifies what RunSegment accomplished.
type SegmentStatus string

const (
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
	SegmentPartial   SegmentStatus = "partial"
	SegmentDeadlock  SegmentStatus = "deadlock"
)

// SegmentResult is RunSegment's outcome.
type SegmentResult struct {
	Status        SegmentStatus
	NextStepIndex int
	FailedStepID  string
	State         *domain.ExecutionState
}

func (s *Scheduler) clock() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Scheduler) parallelism() int {
	if s.Parallelism <= 0 {
		return 4
	}
	return s.Parallelism
}

// RunSegment advances the saga by one segment: transition to EXECUTING
// and seed pending step states (idempotent, a no-op on resume), compute
// the ready batch at or after startStepIndex, execute it with bounded
// parallelism, merge results, and persist via OCC. It never loops across
// multiple batches itself; the time-budgeted caller decides whether to
// run another batch or checkpoint and yield.
func (s *Scheduler) RunSegment(ctx context.Context, executionID string, startStepIndex int) (*SegmentResult, error) {
	state, err := s.Store.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Plan == nil {
		return nil, domain.ErrNoPlanSet
	}

	now := s.clock()
	state.EnsureStepStates(now)

	ready := ReadySteps(state, startStepIndex)
	if len(ready) == 0 {
		if state.AllStepsTerminal() {
			return &SegmentResult{Status: SegmentCompleted, NextStepIndex: startStepIndex, State: state}, nil
		}
		return nil, domain.NewError(domain.ErrStepExecutionFailed,
			fmt.Sprintf("deadlock: no ready steps at or after %d but plan incomplete", startStepIndex), domain.ErrDeadlock)
	}

	outcomes := s.executeBatch(ctx, ready, state)

	var failedStepID string
	finalState, err := s.Store.SaveStateWithOCC(ctx, executionID, func(st *domain.ExecutionState) error {
		mergeNow := s.clock()
		if st.Status != domain.StatusExecuting {
			if err := st.TransitionTo(domain.StatusExecuting, mergeNow); err != nil {
				return err
			}
		}
		st.EnsureStepStates(mergeNow)
		var maxTokens int
		if st.Plan != nil {
			maxTokens = st.Plan.Budget.MaxTokens
		}
		tracker := cost.NewTracker(maxTokens, nil)
		tracker.Seed(st.TokenUsage.InputTokens, st.TokenUsage.OutputTokens)
		for _, step := range ready {
			oc, ran := outcomes[step.ID]
			if !ran {
				// The batch was cancelled before this step started.
				oc = StepOutcome{Err: domain.NewError(domain.ErrStepExecutionFailed,
					"step "+step.ID+" cancelled before execution", context.Canceled)}
			}
			st.AdvanceStep(step.ID, domain.StepInProgress, mergeNow)
			if oc.Tokens != nil {
				if _, budgetErr := tracker.Record(oc.Tokens.Model, oc.Tokens.InputTokens, oc.Tokens.OutputTokens); budgetErr != nil && oc.Err == nil {
					oc.Err = budgetErr
				}
			}
			if oc.Err != nil {
				st.AdvanceStep(step.ID, domain.StepFailed, mergeNow)
				if ss := st.StepState(step.ID); ss != nil {
					ss.Error = oc.Err
				}
				if failedStepID == "" {
					failedStepID = step.ID
				}
				continue
			}
			st.AdvanceStep(step.ID, domain.StepCompleted, mergeNow)
			if ss := st.StepState(step.ID); ss != nil {
				ss.Output = oc.Output
			}
			if oc.Compensation != nil {
				st.RegisterCompensation(*oc.Compensation)
			}
		}
		st.TokenUsage = tracker.Usage()
		if failedStepID != "" {
			return st.TransitionTo(domain.StatusReflecting, mergeNow)
		}
		if st.AllStepsTerminal() {
			return st.TransitionTo(domain.StatusCompleted, mergeNow)
		}
		return nil
	}, checkpoint.DefaultOptions())
	if err != nil {
		var se *domain.SagaError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, domain.NewError(domain.ErrMemoryOperationFailed,
			"persisting segment results for "+executionID, err)
	}

	nextIndex := startStepIndex
	for _, step := range ready {
		if step.StepNumber+1 > nextIndex {
			nextIndex = step.StepNumber + 1
		}
	}

	if failedStepID != "" {
		return &SegmentResult{Status: SegmentFailed, NextStepIndex: nextIndex, FailedStepID: failedStepID, State: finalState}, nil
	}

	if finalState.AllStepsTerminal() {
		return &SegmentResult{Status: SegmentCompleted, NextStepIndex: nextIndex, State: finalState}, nil
	}
	return &SegmentResult{Status: SegmentPartial, NextStepIndex: nextIndex, State: finalState}, nil
}

// executeBatch resolves parameters and aliases for every ready step, then
// runs the batch through a bounded-concurrency Frontier, keyed by step id
// so the merge step in RunSegment is insensitive to completion order.
func (s *Scheduler) executeBatch(ctx context.Context, ready []domain.Step, state *domain.ExecutionState) map[string]StepOutcome {
	frontier := NewFrontier(len(ready))

	var mu sync.Mutex
	results := make(map[string]StepOutcome, len(ready))

	workers := s.parallelism()
	if workers > len(ready) {
		workers = len(ready)
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(ready)))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for remaining.Add(-1) >= 0 {
				item, err := frontier.Dequeue(ctx)
				if err != nil {
					return
				}
				oc := s.runOne(ctx, item.Step, state)
				mu.Lock()
				results[item.StepID] = oc
				mu.Unlock()
			}
		}()
	}

	for _, step := range ready {
		item := WorkItem{
			StepID:   step.ID,
			OrderKey: ComputeOrderKey(step.ID, step.StepNumber),
			Step:     step,
		}
		if err := frontier.Enqueue(ctx, item); err != nil {
			break
		}
	}
	wg.Wait()
	return results
}

// runOne resolves one step's parameters, consults the idempotency gate,
// and invokes the runner.
func (s *Scheduler) runOne(ctx context.Context, step domain.Step, state *domain.ExecutionState) StepOutcome {
	params := ResolveParams(step.Parameters, state)
	params = ApplyAliases(step.ToolName, params, s.Registry)

	if s.Idempotency != nil {
		claimed, err := s.Idempotency.Claim(ctx, idempotency.Fingerprint(
			userID(state), parentIntentID(state), int64(step.StepNumber), step.ToolName, params,
		), 0)
		switch {
		case err != nil:
			// Claim store unavailable: degrade by running the step
			// rather than blocking the whole segment on it. A gate
			// that is down costs at-most-once, not correctness.
		case !claimed:
			return StepOutcome{Output: map[string]any{"skipped": true, "reason": "idempotent_duplicate"}}
		}
	}
	return s.Runner.RunStep(ctx, step, params)
}

// userID reads the idempotency fingerprint's user component from the
// "user_id" key of the execution's originating intent metadata; it is
// empty when the intent carries no such key.
func userID(state *domain.ExecutionState) string {
	if v, ok := state.Intent.Metadata["user_id"].(string); ok {
		return v
	}
	return ""
}

// parentIntentID resolves the causal-chain key Fingerprint hashes on:
// the intent's own id when it supersedes nothing, matching the root of a
// new chain rather than an empty string.
func parentIntentID(state *domain.ExecutionState) string {
	if state.Intent.ParentIntentID != "" {
		return state.Intent.ParentIntentID
	}
	return state.Intent.ID
}

// ExecuteSingleStep runs exactly one step at stepIndex, failing with
// domain.ErrNoPlanSet if the execution carries no plan, and records its
// result the way RunSegment merges one batch entry (output or error, plus
// any compensation registration). Unlike RunSegment it does not
// transition the execution status and does not track token spend.
func (s *Scheduler) ExecuteSingleStep(ctx context.Context, executionID string, stepIndex int) (*SegmentResult, error) {
	state, err := s.Store.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Plan == nil {
		return nil, domain.ErrNoPlanSet
	}
	step, ok := state.Plan.StepByNumber(stepIndex)
	if !ok {
		return nil, domain.NewError(domain.ErrStepExecutionFailed,
			fmt.Sprintf("no step at index %d", stepIndex), nil)
	}

	now := s.clock()
	state.EnsureStepStates(now)
	oc := s.runOne(ctx, step, state)

	finalState, err := s.Store.SaveStateWithOCC(ctx, executionID, func(st *domain.ExecutionState) error {
		mergeNow := s.clock()
		st.EnsureStepStates(mergeNow)
		st.AdvanceStep(step.ID, domain.StepInProgress, mergeNow)
		if oc.Err != nil {
			st.AdvanceStep(step.ID, domain.StepFailed, mergeNow)
			if ss := st.StepState(step.ID); ss != nil {
				ss.Error = oc.Err
			}
			return nil
		}
		st.AdvanceStep(step.ID, domain.StepCompleted, mergeNow)
		if ss := st.StepState(step.ID); ss != nil {
			ss.Output = oc.Output
		}
		if oc.Compensation != nil {
			st.RegisterCompensation(*oc.Compensation)
		}
		return nil
	}, checkpoint.DefaultOptions())
	if err != nil {
		var se *domain.SagaError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, domain.NewError(domain.ErrMemoryOperationFailed,
			"persisting step result for "+executionID, err)
	}

	if oc.Err != nil {
		return &SegmentResult{Status: SegmentFailed, NextStepIndex: stepIndex, FailedStepID: step.ID, State: finalState}, nil
	}
	return &SegmentResult{Status: SegmentCompleted, NextStepIndex: stepIndex + 1, State: finalState}, nil
}
