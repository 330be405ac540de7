package main

import (
	"context"
	"strings"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/recovery"
)

// heuristicAnalyzer is the bundled default recovery.RepairAnalyzer: it
// reads the TaskState's own transition log rather than calling out to an
// external diagnostic service. A production deployment wiring a real
// model-backed analyzer should satisfy recovery.RepairAnalyzer directly
// and replace this one; it exists so cmd/sagaworker runs standalone.
type heuristicAnalyzer struct{}

func (heuristicAnalyzer) Analyze(_ context.Context, ts domain.TaskState) (recovery.RepairSuggestion, error) {
	reason := lastReason(ts)
	switch {
	case strings.Contains(reason, "timeout"):
		return recovery.RepairSuggestion{
			FailureType:   "step_timeout",
			Confidence:    0.85,
			CanAutoRepair: true,
			SuggestedFix:  map[string]any{"action": "retry_step"},
		}, nil
	case strings.Contains(reason, "infrastructure"):
		return recovery.RepairSuggestion{
			FailureType:   "infrastructure_error",
			Confidence:    0.6,
			CanAutoRepair: true,
			SuggestedFix:  map[string]any{"action": "retry_step"},
		}, nil
	default:
		return recovery.RepairSuggestion{
			FailureType:   "unknown",
			Confidence:    0.2,
			CanAutoRepair: false,
		}, nil
	}
}

func lastReason(ts domain.TaskState) string {
	if len(ts.Transitions) == 0 {
		return ""
	}
	return strings.ToLower(ts.Transitions[len(ts.Transitions)-1].Reason)
}
