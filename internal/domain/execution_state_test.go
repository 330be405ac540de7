package domain

import (
	"testing"
	"time"
)

func TestExecutionState_TransitionTo(t *testing.T) {
	now := time.Now()

	t.Run("legal transition advances status and updated_at", func(t *testing.T) {
		e := NewExecutionState("exec-1", Intent{ID: "intent-1"}, now)
		later := now.Add(time.Second)
		if err := e.TransitionTo(StatusParsing, later); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.Status != StatusParsing {
			t.Errorf("expected status PARSING, got %s", e.Status)
		}
		if !e.UpdatedAt.Equal(later) {
			t.Errorf("expected UpdatedAt to be stamped")
		}
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		e := NewExecutionState("exec-2", Intent{}, now)
		err := e.TransitionTo(StatusCompleted, now)
		if err == nil {
			t.Fatal("expected error for RECEIVED -> COMPLETED")
		}
		if AsCode(err) != ErrStateTransitionInvalid {
			t.Errorf("expected STATE_TRANSITION_INVALID, got %s", AsCode(err))
		}
		if e.Status != StatusReceived {
			t.Errorf("status must not change on rejected transition")
		}
	})

	t.Run("terminal states reject every further mutation", func(t *testing.T) {
		e := NewExecutionState("exec-3", Intent{}, now)
		_ = e.TransitionTo(StatusParsing, now)
		_ = e.TransitionTo(StatusParsed, now)
		_ = e.TransitionTo(StatusPlanning, now)
		_ = e.TransitionTo(StatusRejected, now)
		if !e.Status.IsTerminal() {
			t.Fatal("REJECTED must be terminal")
		}
		if err := e.TransitionTo(StatusPlanning, now); err == nil {
			t.Fatal("expected terminal state to reject any further transition")
		}
	})

	t.Run("completing stamps CompletedAt", func(t *testing.T) {
		e := NewExecutionState("exec-4", Intent{}, now)
		_ = e.TransitionTo(StatusParsing, now)
		_ = e.TransitionTo(StatusParsed, now)
		_ = e.TransitionTo(StatusPlanning, now)
		_ = e.TransitionTo(StatusPlanned, now)
		_ = e.TransitionTo(StatusExecuting, now)
		done := now.Add(5 * time.Second)
		if err := e.TransitionTo(StatusCompleted, done); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.CompletedAt == nil || !e.CompletedAt.Equal(done) {
			t.Errorf("expected CompletedAt to be stamped on terminal entry")
		}
	})
}

func TestExecutionState_EnsureStepStates(t *testing.T) {
	now := time.Now()
	plan := &Plan{
		ID: "plan-1",
		Steps: []Step{
			{ID: "s1", StepNumber: 0},
			{ID: "s2", StepNumber: 1, DependsOn: []string{"s1"}},
		},
	}
	e := NewExecutionState("exec-5", Intent{}, now)
	e.Plan = plan
	e.EnsureStepStates(now)
	if len(e.StepStates) != 2 {
		t.Fatalf("expected 2 step states, got %d", len(e.StepStates))
	}

	// advance s1, then re-ensure: existing progress must not be reset.
	e.AdvanceStep("s1", StepCompleted, now)
	e.EnsureStepStates(now)
	if len(e.StepStates) != 2 {
		t.Fatalf("re-ensure must not duplicate tracked steps, got %d", len(e.StepStates))
	}
	s1 := e.StepState("s1")
	if s1 == nil || s1.Status != StepCompleted {
		t.Errorf("expected s1 to remain completed after re-ensure")
	}
}

func TestExecutionState_RegisterCompensation(t *testing.T) {
	now := time.Now()
	e := NewExecutionState("exec-6", Intent{}, now)
	reg := CompensationRegistration{StepID: "s1", ToolName: "refund"}
	e.RegisterCompensation(reg)

	got, ok := e.Compensation("s1")
	if !ok {
		t.Fatal("expected compensation to be found")
	}
	if got.ToolName != "refund" {
		t.Errorf("expected tool name 'refund', got %q", got.ToolName)
	}
	if _, ok := e.Compensation("missing"); ok {
		t.Error("expected no compensation for unregistered step")
	}
}

func TestExecutionState_AllStepsTerminal(t *testing.T) {
	now := time.Now()
	e := NewExecutionState("exec-7", Intent{}, now)
	e.Plan = &Plan{Steps: []Step{{ID: "s1"}, {ID: "s2"}}}
	e.EnsureStepStates(now)

	if e.AllStepsTerminal() {
		t.Fatal("expected false with no steps advanced")
	}
	e.AdvanceStep("s1", StepCompleted, now)
	if e.AllStepsTerminal() {
		t.Fatal("expected false with one step still pending")
	}
	e.AdvanceStep("s2", StepFailed, now)
	if !e.AllStepsTerminal() {
		t.Fatal("expected true once every step reaches a terminal status")
	}
}
