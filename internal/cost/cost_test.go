package cost

import "testing"

func TestTracker_Record_AccumulatesCost(t *testing.T) {
	tr := NewTracker(0, nil)
	if _, err := tr.Record("gpt-4o", 1000, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tr.TotalCostUSD(); got <= 0 {
		t.Errorf("expected positive cost, got %f", got)
	}
	usage := tr.Usage()
	if usage.InputTokens != 1000 || usage.OutputTokens != 500 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestTracker_Record_EnforcesMaxTokens(t *testing.T) {
	tr := NewTracker(1000, nil)
	if _, err := tr.Record("gpt-4o", 400, 400); err != nil {
		t.Fatalf("unexpected error under budget: %v", err)
	}
	_, err := tr.Record("gpt-4o", 100, 200)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	if err.Code != "TOKEN_BUDGET_EXCEEDED" {
		t.Errorf("expected TOKEN_BUDGET_EXCEEDED, got %s", err.Code)
	}
}

func TestTracker_Record_ZeroMaxTokensDisablesCheck(t *testing.T) {
	tr := NewTracker(0, nil)
	if _, err := tr.Record("gpt-4o", 1_000_000, 1_000_000); err != nil {
		t.Fatalf("unexpected error with budget disabled: %v", err)
	}
}

func TestTracker_Seed_CountsTowardBudget(t *testing.T) {
	tr := NewTracker(1000, nil)
	tr.Seed(700, 200)
	if _, err := tr.Record("gpt-4o", 50, 40); err != nil {
		t.Fatalf("unexpected error under seeded budget: %v", err)
	}
	if _, err := tr.Record("gpt-4o", 50, 100); err == nil {
		t.Fatal("expected seeded usage plus new calls to cross the budget")
	}
}

func TestTracker_Record_UnknownModelZeroCost(t *testing.T) {
	tr := NewTracker(0, nil)
	call, err := tr.Record("some-future-model", 100, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.CostUSD != 0 {
		t.Errorf("expected zero cost for unknown model, got %f", call.CostUSD)
	}
}
