package main

import (
	"context"
	"testing"
	"time"

	"github.com/tomwolfe/intentsaga/internal/checkpoint"
	"github.com/tomwolfe/intentsaga/internal/compat"
	"github.com/tomwolfe/intentsaga/internal/config"
	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/kv/memkv"
	"github.com/tomwolfe/intentsaga/internal/outbox"
	"github.com/tomwolfe/intentsaga/internal/saga"
	"github.com/tomwolfe/intentsaga/internal/scheduler"
)

// scriptedRunner reports a fixed outcome per tool name, defaulting to
// success for anything not listed.
type scriptedRunner struct {
	fail map[string]*domain.SagaError
}

func (r *scriptedRunner) RunStep(_ context.Context, step domain.Step, _ map[string]any) scheduler.StepOutcome {
	if r.fail != nil {
		if err, ok := r.fail[step.ToolName]; ok {
			return scheduler.StepOutcome{Err: err}
		}
	}
	return scheduler.StepOutcome{Output: map[string]any{"ok": true}}
}

func newTestWorker(t *testing.T, runner scheduler.StepRunner) (*worker, *checkpoint.Store) {
	t.Helper()
	store := checkpoint.New(memkv.New(nil), "wtest", nil)
	outboxLog := outbox.NewLog(memkv.New(nil), "wtest", nil, nil)
	coordinator := &saga.Coordinator{Store: store}
	sched := &scheduler.Scheduler{
		Store:  store,
		Runner: runner,
	}
	w := &worker{
		store:       store,
		scheduler:   sched,
		coordinator: coordinator,
		outboxLog:   outboxLog,
		cfg:         config.Default(),
	}
	return w, store
}

func seedPlan(t *testing.T, store *checkpoint.Store, executionID string, steps []domain.Step) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	es := domain.NewExecutionState(executionID, domain.Intent{ID: "intent-" + executionID}, now)
	es.Plan = &domain.Plan{ID: "plan-" + executionID, IntentID: es.Intent.ID, Steps: steps}
	if err := es.TransitionTo(domain.StatusParsing, now); err != nil {
		t.Fatalf("seed transition parsing: %v", err)
	}
	if err := es.TransitionTo(domain.StatusParsed, now); err != nil {
		t.Fatalf("seed transition parsed: %v", err)
	}
	if err := es.TransitionTo(domain.StatusPlanning, now); err != nil {
		t.Fatalf("seed transition planning: %v", err)
	}
	if err := es.TransitionTo(domain.StatusPlanned, now); err != nil {
		t.Fatalf("seed transition planned: %v", err)
	}

	if _, err := store.SaveStateWithOCC(ctx, executionID, func(s *domain.ExecutionState) error {
		*s = *es
		return nil
	}, checkpoint.DefaultOptions()); err != nil {
		t.Fatalf("seeding execution state: %v", err)
	}

	ts := domain.NewTaskState(*es, now)
	ts.TotalSteps = len(steps)
	if err := store.CreateTaskState(ctx, ts); err != nil {
		t.Fatalf("seeding task state: %v", err)
	}
}

func TestWorker_RunInvocation_CompletesDependentSteps(t *testing.T) {
	w, store := newTestWorker(t, &scriptedRunner{})
	steps := []domain.Step{
		{ID: "s1", StepNumber: 1, ToolName: "noop", Parameters: map[string]any{}},
		{ID: "s2", StepNumber: 2, ToolName: "noop", Parameters: map[string]any{}, DependsOn: []string{"s1"}},
	}
	seedPlan(t, store, "exec-ok", steps)

	if err := w.RunInvocation(context.Background(), "exec-ok", -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts, err := store.GetTaskState(context.Background(), "exec-ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Status != domain.TaskCompleted {
		t.Errorf("expected task completed, got %s", ts.Status)
	}
}

func TestWorker_RunInvocation_CompensatesOnStepFailure(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]*domain.SagaError{
		"bad_tool": domain.NewError(domain.ErrStepExecutionFailed, "boom", nil),
	}}
	w, store := newTestWorker(t, runner)
	steps := []domain.Step{
		{ID: "s1", StepNumber: 1, ToolName: "bad_tool", Parameters: map[string]any{}},
	}
	seedPlan(t, store, "exec-fail", steps)

	if err := w.RunInvocation(context.Background(), "exec-fail", -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts, err := store.GetTaskState(context.Background(), "exec-fail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Status != domain.TaskFailed {
		t.Errorf("expected task failed after compensation, got %s", ts.Status)
	}
}

// emptyToolVersions reports no version-tracked tools, simulating a
// registry that has never called RegisterVersion for anything.
type emptyToolVersions struct{}

func (emptyToolVersions) CurrentVersions() map[string]compat.ToolVersionInfo { return nil }

func TestWorker_RunInvocation_BlocksResumeOnUnknownToolVersion(t *testing.T) {
	w, store := newTestWorker(t, &scriptedRunner{})
	steps := []domain.Step{
		{ID: "s1", StepNumber: 1, ToolName: "charge_card", ToolVersion: "v2", Parameters: map[string]any{}},
	}
	seedPlan(t, store, "exec-resume", steps)

	// Seed as already-running, mimicking a prior invocation's partial
	// progress rather than a fresh start, so the guard is on the
	// resume path RunInvocation checks.
	if _, err := store.TransitionTaskState(context.Background(), "exec-resume", domain.TaskRunning, "prior invocation started"); err != nil {
		t.Fatalf("seed running: %v", err)
	}

	w.compat = compat.NewGuard(compat.NewAdapterRegistry())
	w.toolVersions = emptyToolVersions{}

	if err := w.RunInvocation(context.Background(), "exec-resume", -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts, err := store.GetTaskState(context.Background(), "exec-resume")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Status != domain.TaskFailed {
		t.Errorf("expected resume blocked into TaskFailed, got %s", ts.Status)
	}
}

func TestWorker_RunInvocation_TerminalStateIsNoop(t *testing.T) {
	w, store := newTestWorker(t, &scriptedRunner{})
	steps := []domain.Step{{ID: "s1", StepNumber: 1, ToolName: "noop", Parameters: map[string]any{}}}
	seedPlan(t, store, "exec-done", steps)

	if _, err := store.TransitionTaskState(context.Background(), "exec-done", domain.TaskCompleted, "already done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := w.RunInvocation(context.Background(), "exec-done", -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWorker_DeferResume_PersistsCursorAndPayload(t *testing.T) {
	w, store := newTestWorker(t, &scriptedRunner{})
	steps := []domain.Step{
		{ID: "s1", StepNumber: 0, ToolName: "noop", Parameters: map[string]any{}},
		{ID: "s2", StepNumber: 1, ToolName: "noop", Parameters: map[string]any{}, DependsOn: []string{"s1"}},
	}
	seedPlan(t, store, "exec-defer", steps)

	// A checkpoint threshold in the past forces the very first loop
	// iteration to defer rather than run a segment.
	w.cfg.Runner.CheckpointThreshold = -time.Second

	if err := w.RunInvocation(context.Background(), "exec-defer", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts, err := store.GetTaskState(context.Background(), "exec-defer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.CurrentStepIndex != 1 {
		t.Errorf("expected cursor 1 persisted on the task state, got %d", ts.CurrentStepIndex)
	}
	if ts.SegmentNumber != 1 {
		t.Errorf("expected segment counter advanced once, got %d", ts.SegmentNumber)
	}

	due, err := store.DueResumes(context.Background(), time.Now().Add(w.cfg.Runner.ResumeDelay+time.Second), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ExecutionID != "exec-defer" {
		t.Fatalf("expected one scheduled resume for exec-defer, got %+v", due)
	}
	if got := resumeStartIndex(due[0]); got != 1 {
		t.Errorf("expected the timer payload to carry cursor 1, got %d", got)
	}
}

func TestResumeStartIndex_FallsBackWithoutPayload(t *testing.T) {
	if got := resumeStartIndex(checkpoint.ResumePayload{}); got != -1 {
		t.Errorf("expected -1 for a payload-less resume, got %d", got)
	}
	rp := checkpoint.ResumePayload{Payload: map[string]any{"next_step_index": float64(4)}}
	if got := resumeStartIndex(rp); got != 4 {
		t.Errorf("expected the JSON float64 shape to decode to 4, got %d", got)
	}
}
