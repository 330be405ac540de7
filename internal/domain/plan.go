package domain

import "time"

// RetryPolicy configures per-step retry behavior. MaxAttempts defaults to
// 1 (no retries) when left at its zero value by the validator.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// Step is one node of a Plan's dependency DAG. Dependencies are
// expressed by id, never by pointer, and resolved by lookup into the
// owning Plan's Steps slice.
type Step struct {
	ID                  string         `json:"id"`
	StepNumber          int            `json:"step_number"`
	ToolName            string         `json:"tool_name"`
	ToolVersion         string         `json:"tool_version,omitempty"`
	Parameters          map[string]any `json:"parameters"`
	DependsOn           []string       `json:"depends_on"`
	Description         string         `json:"description,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	Timeout             time.Duration  `json:"timeout"`
	Retry               *RetryPolicy   `json:"retry,omitempty"`
}

// BudgetConstraints caps a Plan's resource consumption.
type BudgetConstraints struct {
	MaxSteps     int           `json:"max_steps"`
	MaxTotalTime time.Duration `json:"max_total_time"`
	MaxTokens    int           `json:"max_tokens"`
}

// Plan is immutable after Validate succeeds. See internal/plan for the
// validator; Plan itself only carries the shape.
type Plan struct {
	ID       string            `json:"id"`
	IntentID string            `json:"intent_id"`
	Steps    []Step            `json:"steps"`
	Budget   BudgetConstraints `json:"budget"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// MaxStepsAllowed is the hard step-count cap: a Plan with more steps
// than this is rejected regardless of BudgetConstraints.
const MaxStepsAllowed = 100

// StepByID returns the step with the given id, or false if absent. Plans
// are small (<=100 steps) so a linear scan is preferred over building an
// index map that would need to stay in sync with Steps.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepByNumber returns the step with the given step_number, or false if
// absent.
func (p *Plan) StepByNumber(n int) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return Step{}, false
}
