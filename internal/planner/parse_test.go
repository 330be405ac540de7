package planner

import (
	"testing"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

func TestBuildPlan_ValidArguments(t *testing.T) {
	req := Request{Intent: domain.Intent{ID: "intent-1"}, MaxTokens: 4096}
	args := map[string]any{
		"steps": []any{
			map[string]any{
				"id":          "s1",
				"step_number": float64(1),
				"tool_name":   "book_flight",
				"parameters":  map[string]any{"origin": "SFO"},
				"depends_on":  []any{},
			},
			map[string]any{
				"id":          "s2",
				"step_number": float64(2),
				"tool_name":   "book_hotel",
				"parameters":  map[string]any{},
				"depends_on":  []any{"s1"},
			},
		},
	}

	plan, err := BuildPlan(req, args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.IntentID != "intent-1" {
		t.Errorf("expected intent id to propagate, got %q", plan.IntentID)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[1].DependsOn[0] != "s1" {
		t.Errorf("expected step 2 to depend on s1, got %+v", plan.Steps[1].DependsOn)
	}
	if plan.Budget.MaxTokens != 4096 {
		t.Errorf("expected max tokens to propagate, got %d", plan.Budget.MaxTokens)
	}
}

func TestBuildPlan_MissingStepsArray(t *testing.T) {
	_, err := BuildPlan(Request{}, map[string]any{})
	if domain.AsCode(err) != domain.ErrLLMSchemaValidationFailed {
		t.Errorf("expected schema validation error, got %v", err)
	}
}

func TestBuildPlan_StepMissingToolName(t *testing.T) {
	args := map[string]any{
		"steps": []any{
			map[string]any{"id": "s1", "step_number": float64(1), "parameters": map[string]any{}, "depends_on": []any{}},
		},
	}
	_, err := BuildPlan(Request{}, args)
	if domain.AsCode(err) != domain.ErrLLMSchemaValidationFailed {
		t.Errorf("expected schema validation error, got %v", err)
	}
}
