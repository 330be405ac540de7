package anthropicplanner

import (
	"context"
	"errors"
	"testing"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/planner"
)

type fakeClient struct {
	args map[string]any
	err  error
}

func (f *fakeClient) emitPlan(context.Context, string, planner.Request) (map[string]any, error) {
	return f.args, f.err
}

func TestPlanner_GeneratePlan_Success(t *testing.T) {
	p := &Planner{client: &fakeClient{args: map[string]any{
		"steps": []any{
			map[string]any{
				"id": "s1", "step_number": float64(1), "tool_name": "book_flight",
				"parameters": map[string]any{}, "depends_on": []any{},
			},
		},
	}}}

	plan, err := p.GeneratePlan(context.Background(), planner.Request{Intent: domain.Intent{ID: "i1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ToolName != "book_flight" {
		t.Errorf("unexpected plan: %+v", plan)
	}
}

func TestPlanner_GeneratePlan_AuthFailureNotRetryable(t *testing.T) {
	p := &Planner{client: &fakeClient{err: errors.New("authentication failed: invalid api key")}}

	_, err := p.GeneratePlan(context.Background(), planner.Request{})
	if domain.AsCode(err) != domain.ErrPlanGenerationFailed {
		t.Errorf("expected non-retryable plan generation failure, got %v", err)
	}
}

func TestPlanner_GeneratePlan_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Planner{client: &fakeClient{}}
	_, err := p.GeneratePlan(ctx, planner.Request{})
	if err == nil {
		t.Fatal("expected an error for a canceled context")
	}
}
