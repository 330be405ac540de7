// Package cost tracks LLM token spend per execution and enforces a
// Plan's BudgetConstraints.MaxTokens: a static per-model pricing table
// attributes USD cost, and the scheduler consults the running total
// before a step's output is accepted.
package cost

import (
	"fmt"
	"sync"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// ModelPricing is USD-per-1M-token pricing for one model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing is a static table for the models the three planner
// adapters (internal/planner/{anthropicplanner,openaiplanner,
// googleplanner}) default to. Update as providers change pricing.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
}

// Call records one LLM invocation's token usage and attributed cost.
type Call struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Tracker accumulates token usage and USD cost for a single execution,
// enforcing MaxTokens from the execution's Plan.Budget as calls land.
// Safe for concurrent use since internal/scheduler runs a ready batch's
// steps in parallel.
type Tracker struct {
	mu         sync.Mutex
	pricing    map[string]ModelPricing
	maxTokens  int64
	calls      []Call
	totalCost  float64
	modelCosts map[string]float64
	input      int64
	output     int64
}

// NewTracker builds a Tracker that enforces maxTokens (0 disables the
// check, matching BudgetConstraints.MaxTokens's zero-value-means-unset
// convention). A nil pricing map falls back to DefaultPricing.
func NewTracker(maxTokens int, pricing map[string]ModelPricing) *Tracker {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Tracker{
		pricing:    pricing,
		maxTokens:  int64(maxTokens),
		modelCosts: make(map[string]float64),
	}
}

// Seed primes the running input/output totals from previously persisted
// usage (ExecutionState.TokenUsage) so a Tracker built fresh for each
// segment still enforces the budget cumulatively across the whole saga.
func (t *Tracker) Seed(inputTokens, outputTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input += inputTokens
	t.output += outputTokens
}

// Record attributes one call's tokens and cost, then checks the running
// total against maxTokens. Returns *domain.SagaError(ErrTokenBudgetExceeded)
// the moment the cumulative count crosses the budget — callers (the
// scheduler's batch merge) must treat this the same as any other terminal
// step error.
func (t *Tracker) Record(model string, inputTokens, outputTokens int64) (Call, *domain.SagaError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pricing, ok := t.pricing[model]
	if !ok {
		pricing = ModelPricing{}
	}
	costUSD := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M +
		(float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	call := Call{Model: model, InputTokens: inputTokens, OutputTokens: outputTokens, CostUSD: costUSD}
	t.calls = append(t.calls, call)
	t.totalCost += costUSD
	t.modelCosts[model] += costUSD
	t.input += inputTokens
	t.output += outputTokens

	if t.maxTokens > 0 && t.input+t.output > t.maxTokens {
		return call, domain.NewError(domain.ErrTokenBudgetExceeded,
			fmt.Sprintf("token budget exceeded: %d/%d tokens used", t.input+t.output, t.maxTokens), nil)
	}
	return call, nil
}

// Usage returns the cumulative domain.TokenUsage for persisting onto
// ExecutionState.TokenUsage.
func (t *Tracker) Usage() domain.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TokenUsage{InputTokens: t.input, OutputTokens: t.output}
}

// TotalCostUSD returns the cumulative attributed cost across all calls.
func (t *Tracker) TotalCostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// CostByModel returns a copy of the per-model cost breakdown.
func (t *Tracker) CostByModel() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.modelCosts))
	for k, v := range t.modelCosts {
		out[k] = v
	}
	return out
}
