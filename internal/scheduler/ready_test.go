package scheduler

import (
	"testing"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

func samplePlan() *domain.Plan {
	return &domain.Plan{
		ID: "p1",
		Steps: []domain.Step{
			{ID: "s0", StepNumber: 0},
			{ID: "s1", StepNumber: 1, DependsOn: []string{"s0"}},
			{ID: "s2", StepNumber: 2, DependsOn: []string{"s0"}},
			{ID: "s3", StepNumber: 3, DependsOn: []string{"s1", "s2"}},
		},
	}
}

func TestReadySteps_OnlyUnblockedPending(t *testing.T) {
	plan := samplePlan()
	state := &domain.ExecutionState{Plan: plan}
	state.EnsureStepStates(fixedNow)

	ready := ReadySteps(state, 0)
	if len(ready) != 1 || ready[0].ID != "s0" {
		t.Fatalf("expected only s0 ready initially, got %+v", ready)
	}

	state.AdvanceStep("s0", domain.StepCompleted, fixedNow)
	ready = ReadySteps(state, 0)
	if len(ready) != 2 || ready[0].ID != "s1" || ready[1].ID != "s2" {
		t.Fatalf("expected s1,s2 ready after s0 completes, got %+v", ready)
	}
}

func TestReadySteps_RespectsStartStepIndex(t *testing.T) {
	plan := samplePlan()
	state := &domain.ExecutionState{Plan: plan}
	state.EnsureStepStates(fixedNow)
	state.AdvanceStep("s0", domain.StepCompleted, fixedNow)

	ready := ReadySteps(state, 2)
	if len(ready) != 1 || ready[0].ID != "s2" {
		t.Fatalf("expected only s2 (step_number>=2) ready, got %+v", ready)
	}
}

func TestReadySteps_WaitsForAllDependencies(t *testing.T) {
	plan := samplePlan()
	state := &domain.ExecutionState{Plan: plan}
	state.EnsureStepStates(fixedNow)
	state.AdvanceStep("s0", domain.StepCompleted, fixedNow)
	state.AdvanceStep("s1", domain.StepCompleted, fixedNow)

	ready := ReadySteps(state, 0)
	for _, s := range ready {
		if s.ID == "s3" {
			t.Fatal("s3 should not be ready until both s1 and s2 complete")
		}
	}
}
