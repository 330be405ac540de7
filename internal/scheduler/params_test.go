package scheduler

import (
	"testing"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

func stateWithCompletedStep(stepID string, output map[string]any) *domain.ExecutionState {
	state := &domain.ExecutionState{
		StepStates: []domain.StepExecutionState{
			{StepID: stepID, Status: domain.StepCompleted, Output: output},
		},
	}
	return state
}

func TestResolveParams_DereferencesCompletedStepOutput(t *testing.T) {
	state := stateWithCompletedStep("s0", map[string]any{
		"order": map[string]any{"id": "ord-123"},
	})
	params := map[string]any{"order_id": "$s0.order.id"}
	resolved := ResolveParams(params, state)
	if resolved["order_id"] != "ord-123" {
		t.Errorf("expected dereferenced order id, got %v", resolved["order_id"])
	}
}

func TestResolveParams_PassesThroughUnresolvedReferences(t *testing.T) {
	state := stateWithCompletedStep("s0", map[string]any{"id": "x"})
	params := map[string]any{"ref": "$s1.missing.field"}
	resolved := ResolveParams(params, state)
	if resolved["ref"] != "$s1.missing.field" {
		t.Errorf("expected unresolved reference to pass through verbatim, got %v", resolved["ref"])
	}
}

func TestResolveParams_IgnoresNonReferenceStrings(t *testing.T) {
	state := stateWithCompletedStep("s0", nil)
	params := map[string]any{"name": "not a reference", "amount": float64(5)}
	resolved := ResolveParams(params, state)
	if resolved["name"] != "not a reference" || resolved["amount"] != float64(5) {
		t.Errorf("expected plain values untouched, got %+v", resolved)
	}
}

func TestResolveParams_RecursesIntoNestedStructures(t *testing.T) {
	state := stateWithCompletedStep("s0", map[string]any{"id": "abc"})
	params := map[string]any{
		"nested": map[string]any{"x": "$s0.id"},
		"list":   []any{"$s0.id", "plain"},
	}
	resolved := ResolveParams(params, state)
	nested := resolved["nested"].(map[string]any)
	if nested["x"] != "abc" {
		t.Errorf("expected nested dereference, got %v", nested["x"])
	}
	list := resolved["list"].([]any)
	if list[0] != "abc" || list[1] != "plain" {
		t.Errorf("expected list dereference, got %+v", list)
	}
}

type fakeRegistry map[string]map[string]string

func (r fakeRegistry) Aliases(tool string) map[string]string { return r[tool] }

func TestApplyAliases_CopiesAliasToMissingPrimary(t *testing.T) {
	registry := fakeRegistry{"refund": {"amount_usd": "amount"}}
	params := map[string]any{"amount_usd": float64(10)}
	out := ApplyAliases("refund", params, registry)
	if out["amount"] != float64(10) {
		t.Errorf("expected alias copied to primary, got %+v", out)
	}
}

func TestApplyAliases_DoesNotOverwriteExistingPrimary(t *testing.T) {
	registry := fakeRegistry{"refund": {"amount_usd": "amount"}}
	params := map[string]any{"amount_usd": float64(10), "amount": float64(99)}
	out := ApplyAliases("refund", params, registry)
	if out["amount"] != float64(99) {
		t.Errorf("expected existing primary preserved, got %+v", out)
	}
}
