package scheduler

import (
	"sort"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// ReadySteps computes the current frontier: pending steps whose
// dependencies are all completed and whose step_number is at least
// startStepIndex, ascending by step_number.
func ReadySteps(state *domain.ExecutionState, startStepIndex int) []domain.Step {
	if state.Plan == nil {
		return nil
	}
	completed := make(map[string]bool, len(state.StepStates))
	pending := make(map[string]bool, len(state.StepStates))
	for _, ss := range state.StepStates {
		if ss.Status == domain.StepCompleted {
			completed[ss.StepID] = true
		}
		if ss.Status == domain.StepPending {
			pending[ss.StepID] = true
		}
	}

	var ready []domain.Step
	for _, step := range state.Plan.Steps {
		if !pending[step.ID] {
			continue
		}
		if step.StepNumber < startStepIndex {
			continue
		}
		allDepsDone := true
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].StepNumber < ready[j].StepNumber })
	return ready
}
