package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the global saga status. The legal transition graph
// is enforced by TransitionTo.
type ExecutionStatus string

const (
	StatusReceived              ExecutionStatus = "RECEIVED"
	StatusParsing               ExecutionStatus = "PARSING"
	StatusParsed                ExecutionStatus = "PARSED"
	StatusRejected              ExecutionStatus = "REJECTED"
	StatusPlanning              ExecutionStatus = "PLANNING"
	StatusPlanned               ExecutionStatus = "PLANNED"
	StatusExecuting             ExecutionStatus = "EXECUTING"
	StatusAwaitingConfirmation  ExecutionStatus = "AWAITING_CONFIRMATION"
	StatusReflecting            ExecutionStatus = "REFLECTING"
	StatusCompleted             ExecutionStatus = "COMPLETED"
	StatusFailed                ExecutionStatus = "FAILED"
	StatusTimeout               ExecutionStatus = "TIMEOUT"
	StatusCancelled             ExecutionStatus = "CANCELLED"
)

// validTransitions is the legal transition adjacency map. Any edge not
// present here is rejected with ErrStateTransitionInvalid.
var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	StatusReceived: set(StatusParsing, StatusCancelled),
	StatusParsing:  set(StatusParsed, StatusRejected, StatusTimeout, StatusFailed),
	StatusParsed:   set(StatusPlanning, StatusCancelled),
	StatusPlanning: set(StatusPlanned, StatusRejected, StatusTimeout, StatusFailed),
	StatusPlanned:  set(StatusExecuting, StatusCancelled),
	StatusExecuting: set(
		StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled,
		StatusReflecting, StatusAwaitingConfirmation,
	),
	StatusAwaitingConfirmation: set(StatusExecuting, StatusCancelled, StatusFailed),
	StatusReflecting:           set(StatusExecuting, StatusFailed, StatusCancelled),
	// Terminal: no outgoing edges.
	StatusCompleted: {},
	StatusFailed:    {},
	StatusRejected:  {},
	StatusTimeout:   {},
	StatusCancelled: {},
}

func set(statuses ...ExecutionStatus) map[ExecutionStatus]bool {
	m := make(map[ExecutionStatus]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// IsTerminal reports whether s has no legal outgoing transitions.
func (s ExecutionStatus) IsTerminal() bool {
	edges, ok := validTransitions[s]
	return ok && len(edges) == 0
}

// CompensationRegistration is recorded the moment a step reports success,
// either from an explicit `compensation` sidecar on the tool result or
// from a static needs-compensation table (see internal/runner). It is
// persisted under ExecutionState.Context["compensation:<stepId>"].
type CompensationRegistration struct {
	StepID     string         `json:"step_id"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Executed   bool           `json:"executed"`
	Result     map[string]any `json:"result,omitempty"`
}

// ExecutionState is the primary per-execution record. Version is bumped on
// every successful write and is the field the OCC compare-and-swap keys
// off of (see internal/checkpoint).
type ExecutionState struct {
	ExecutionID       string                 `json:"execution_id"`
	Status            ExecutionStatus        `json:"status"`
	Intent            Intent                 `json:"intent"`
	Plan              *Plan                  `json:"plan,omitempty"`
	StepStates        []StepExecutionState   `json:"step_states"`
	CurrentStepIndex  int                    `json:"current_step_index"`
	Context           map[string]any         `json:"context"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Error             *SagaError             `json:"error,omitempty"`
	TokenUsage        TokenUsage             `json:"token_usage"`
	LatencyMS         int64                  `json:"latency_ms"`
	Version           int64                  `json:"_version"`
}

// TokenUsage accumulates LLM token consumption across the saga, feeding
// TOKEN_BUDGET_EXCEEDED enforcement and the cost tracker (internal/cost).
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// NewExecutionState initializes a fresh state for an accepted intent.
func NewExecutionState(executionID string, intent Intent, now time.Time) *ExecutionState {
	return &ExecutionState{
		ExecutionID: executionID,
		Status:      StatusReceived,
		Intent:      intent,
		Context:     make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     0,
	}
}

// TransitionTo moves the execution to next, enforcing the transition
// graph. Terminal states reject every further mutation.
func (e *ExecutionState) TransitionTo(next ExecutionStatus, now time.Time) error {
	if e.Status.IsTerminal() {
		return NewError(ErrStateTransitionInvalid,
			fmt.Sprintf("execution %s is terminal at %s", e.ExecutionID, e.Status), ErrTerminalState)
	}
	edges := validTransitions[e.Status]
	if !edges[next] {
		return NewError(ErrStateTransitionInvalid,
			fmt.Sprintf("invalid transition %s -> %s", e.Status, next), nil)
	}
	e.Status = next
	e.UpdatedAt = now
	if next.IsTerminal() {
		e.CompletedAt = &now
	}
	return nil
}

// EnsureStepStates initializes a pending StepExecutionState for every plan
// step not yet tracked, preserving existing entries (and their attempt
// counts) untouched.
func (e *ExecutionState) EnsureStepStates(now time.Time) {
	if e.Plan == nil {
		return
	}
	tracked := make(map[string]bool, len(e.StepStates))
	for _, ss := range e.StepStates {
		tracked[ss.StepID] = true
	}
	for _, step := range e.Plan.Steps {
		if tracked[step.ID] {
			continue
		}
		e.StepStates = append(e.StepStates, StepExecutionState{
			StepID: step.ID,
			Status: StepPending,
		})
	}
}

// StepState returns a pointer to the tracked state for stepID, or nil.
func (e *ExecutionState) StepState(stepID string) *StepExecutionState {
	for i := range e.StepStates {
		if e.StepStates[i].StepID == stepID {
			return &e.StepStates[i]
		}
	}
	return nil
}

// AdvanceStep moves the named step's tracked status forward, recording the
// transition time. It is a thin wrapper so callers never poke StepStates
// status fields directly and accidentally skip the terminal/monotonic
// guard in StepExecutionState.advance.
func (e *ExecutionState) AdvanceStep(stepID string, next StepStatus, now time.Time) {
	if s := e.StepState(stepID); s != nil {
		s.advance(next, now)
	}
}

// AllStepsTerminal reports whether every tracked step has reached a
// terminal status. Used by the scheduler's deadlock check.
func (e *ExecutionState) AllStepsTerminal() bool {
	for _, s := range e.StepStates {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RegisterCompensation stores a CompensationRegistration in the opaque
// context map under the documented key layout, keeping truly-opaque user
// data (everything else in Context) untouched.
func (e *ExecutionState) RegisterCompensation(reg CompensationRegistration) {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context["compensation:"+reg.StepID] = reg
}

// Compensation looks up a previously registered compensation by step id.
// Context is an opaque map, so a registration written in this process is
// the struct itself while one loaded from the KV arrives as the decoded
// map[string]any — both shapes resolve.
func (e *ExecutionState) Compensation(stepID string) (CompensationRegistration, bool) {
	v, ok := e.Context["compensation:"+stepID]
	if !ok {
		return CompensationRegistration{}, false
	}
	switch reg := v.(type) {
	case CompensationRegistration:
		return reg, true
	case *CompensationRegistration:
		return *reg, true
	case map[string]any:
		raw, err := json.Marshal(reg)
		if err != nil {
			return CompensationRegistration{}, false
		}
		var cr CompensationRegistration
		if err := json.Unmarshal(raw, &cr); err != nil {
			return CompensationRegistration{}, false
		}
		return cr, true
	default:
		return CompensationRegistration{}, false
	}
}
