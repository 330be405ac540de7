package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tomwolfe/intentsaga/internal/checkpoint"
	"github.com/tomwolfe/intentsaga/internal/compat"
	"github.com/tomwolfe/intentsaga/internal/config"
	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/metrics"
	"github.com/tomwolfe/intentsaga/internal/outbox"
	"github.com/tomwolfe/intentsaga/internal/saga"
	"github.com/tomwolfe/intentsaga/internal/scheduler"
)

// toolVersionSource is the minimal read side of toolclient.Registry the
// worker needs for the resume-time compatibility check — an interface
// purely so tests can fake it without a circuit-breaker client.
type toolVersionSource interface {
	CurrentVersions() map[string]compat.ToolVersionInfo
}

// worker drives one execution's time-budgeted invocation: repeatedly run
// ready segments until the plan finishes, fails, deadlocks, or the
// invocation's wall-clock budget runs out — at which point it persists a
// resume timer rather than blocking past the configured budget.
type worker struct {
	store        *checkpoint.Store
	scheduler    *scheduler.Scheduler
	coordinator  *saga.Coordinator
	outboxLog    *outbox.Log
	metrics      *metrics.Metrics
	cfg          config.EngineConfig
	clock        func() time.Time
	compat       *compat.Guard
	toolVersions toolVersionSource
}

func (w *worker) now() time.Time {
	if w.clock != nil {
		return w.clock()
	}
	return time.Now()
}

// RunInvocation processes executionID for up to cfg.Runner.InvocationBudget,
// checkpointing (via scheduler.RunSegment's own OCC-protected writes) after
// every segment so a later invocation can resume exactly where this one
// stopped. startStepIndex is the cursor carried by the resume timer's
// payload; pass a negative value to fall back to the TaskState's persisted
// cursor (the path a payload-less resume, e.g. the recovery sweeper's,
// takes).
func (w *worker) RunInvocation(ctx context.Context, executionID string, startStepIndex int) error {
	deadline := w.now().Add(w.cfg.Runner.InvocationBudget)
	checkpointBy := w.now().Add(w.cfg.Runner.CheckpointThreshold)
	if checkpointBy.After(deadline) {
		checkpointBy = deadline
	}

	ts, err := w.store.GetTaskState(ctx, executionID)
	if err != nil {
		return err
	}
	if ts.Status.IsTerminal() {
		return nil
	}
	resuming := ts.Status == domain.TaskRunning
	if ts.Status == domain.TaskQueued {
		if _, err := w.store.TransitionTaskState(ctx, executionID, domain.TaskRunning, "invocation started"); err != nil {
			return err
		}
	}

	if resuming {
		if blocked, err := w.checkResumeCompatibility(ctx, executionID, &ts.State); err != nil || blocked {
			return err
		}
	}

	nextStepIndex := startStepIndex
	if nextStepIndex < 0 {
		nextStepIndex = ts.CurrentStepIndex
	}
	for {
		if w.now().After(checkpointBy) {
			return w.deferResume(ctx, executionID, nextStepIndex)
		}

		segCtx, cancel := context.WithDeadline(ctx, deadline)
		result, err := w.scheduler.RunSegment(segCtx, executionID, nextStepIndex)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return w.deferResume(ctx, executionID, nextStepIndex)
			}
			return w.failTask(ctx, executionID, "segment execution error: "+err.Error())
		}

		switch result.Status {
		case scheduler.SegmentCompleted:
			return w.completeTask(ctx, executionID)
		case scheduler.SegmentFailed:
			return w.compensateTask(ctx, executionID, result.State)
		case scheduler.SegmentDeadlock:
			return w.failTask(ctx, executionID, "scheduler deadlock: no ready steps but plan incomplete")
		case scheduler.SegmentPartial:
			nextStepIndex = result.NextStepIndex
			if w.metrics != nil {
				w.metrics.IncrementCheckpointRebases(executionID)
			}
			continue
		}
	}
}

// checkResumeCompatibility runs the compatibility guard over every
// version-tracked tool the checkpointed plan used, before a
// segment resumes. A blocking verdict fails the task and publishes
// SAGA_MANUAL_INTERVENTION_REQUIRED instead of continuing execution
// against a tool whose schema has since made a breaking change with no
// registered adapter. Returns (true, nil) when the resume was blocked and
// already handled, so the caller should stop without further action.
func (w *worker) checkResumeCompatibility(ctx context.Context, executionID string, state *domain.ExecutionState) (bool, error) {
	if w.compat == nil || w.toolVersions == nil || state.Plan == nil {
		return false, nil
	}
	checkpointed := make(map[string]compat.ToolVersionInfo)
	for _, step := range state.Plan.Steps {
		if step.ToolVersion == "" {
			continue
		}
		checkpointed[step.ToolName] = compat.ToolVersionInfo{Version: step.ToolVersion}
	}
	if len(checkpointed) == 0 {
		return false, nil
	}

	decisions := w.compat.CheckResume(checkpointed, w.toolVersions.CurrentVersions())
	if !compat.AnyBlocked(decisions) {
		return false, nil
	}

	reason := compat.BlockedError(decisions).Message
	if _, err := w.store.TransitionTaskState(ctx, executionID, domain.TaskFailed, reason); err != nil {
		return true, err
	}
	_, err := w.outboxLog.Append(ctx, executionID, outbox.EventSagaManualInterventionReq, map[string]any{"reason": reason})
	return true, err
}

func (w *worker) deferResume(ctx context.Context, executionID string, nextStepIndex int) error {
	// Persist the cursor first: even if the timer record is lost or a
	// resume arrives without its payload, the next invocation starts at
	// the step this one reached.
	if err := w.store.AdvanceTaskCursor(ctx, executionID, nextStepIndex); err != nil {
		return err
	}
	if err := w.store.ScheduleResume(ctx, executionID, w.cfg.Runner.ResumeDelay, map[string]any{"next_step_index": nextStepIndex}); err != nil {
		return err
	}
	_, err := w.outboxLog.Append(ctx, executionID, outbox.EventContinueExecution, map[string]any{"next_step_index": nextStepIndex})
	return err
}

func (w *worker) completeTask(ctx context.Context, executionID string) error {
	if _, err := w.store.TransitionTaskState(ctx, executionID, domain.TaskCompleted, "plan completed"); err != nil {
		return err
	}
	_, err := w.outboxLog.Append(ctx, executionID, outbox.EventSagaCompleted, nil)
	return err
}

func (w *worker) failTask(ctx context.Context, executionID, reason string) error {
	if _, err := w.store.TransitionTaskState(ctx, executionID, domain.TaskFailed, reason); err != nil {
		return err
	}
	_, err := w.outboxLog.Append(ctx, executionID, outbox.EventSagaFailed, map[string]any{"reason": reason})
	return err
}

func (w *worker) compensateTask(ctx context.Context, executionID string, state *domain.ExecutionState) error {
	if _, err := w.outboxLog.Append(ctx, executionID, outbox.EventSagaCompensationTriggered, nil); err != nil {
		return err
	}
	report, err := w.coordinator.Compensate(ctx, state)
	if err != nil {
		return err
	}
	if w.metrics != nil {
		outcome := "compensated"
		if report.Failed > 0 {
			outcome = "partial"
		}
		w.metrics.IncrementCompensations(executionID, outcome)
	}

	reason := "step failed, compensation ran"
	if _, err := w.store.TransitionTaskState(ctx, executionID, domain.TaskFailed, reason); err != nil {
		return err
	}
	if _, err := w.outboxLog.Append(ctx, executionID, outbox.EventSagaCompensationCompleted, map[string]any{
		"compensated": report.Compensated,
		"failed":      report.Failed,
	}); err != nil {
		return err
	}
	log.Printf("sagaworker: execution %s compensated (%d ok, %d failed)", executionID, report.Compensated, report.Failed)
	return nil
}
