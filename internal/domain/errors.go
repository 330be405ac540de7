// Package domain defines the core data model shared by every saga
// component: intents, plans, steps, execution state and its state
// machine, task state, checkpoints, and compensation registrations.
package domain

import "errors"

// ErrCode is one of the closed taxonomy of error codes. Values are
// stable and safe to surface to operators for debugging.
type ErrCode string

const (
	ErrIntentParseFailed          ErrCode = "INTENT_PARSE_FAILED"
	ErrIntentValidationFailed     ErrCode = "INTENT_VALIDATION_FAILED"
	ErrPlanGenerationFailed       ErrCode = "PLAN_GENERATION_FAILED"
	ErrPlanValidationFailed       ErrCode = "PLAN_VALIDATION_FAILED"
	ErrPlanCircularDependency     ErrCode = "PLAN_CIRCULAR_DEPENDENCY"
	ErrStepExecutionFailed        ErrCode = "STEP_EXECUTION_FAILED"
	ErrStepTimeout                ErrCode = "STEP_TIMEOUT"
	ErrToolNotFound               ErrCode = "TOOL_NOT_FOUND"
	ErrToolExecutionFailed        ErrCode = "TOOL_EXECUTION_FAILED"
	ErrToolValidationFailed       ErrCode = "TOOL_VALIDATION_FAILED"
	ErrStateTransitionInvalid     ErrCode = "STATE_TRANSITION_INVALID"
	ErrMemoryOperationFailed      ErrCode = "MEMORY_OPERATION_FAILED"
	ErrLLMRequestFailed           ErrCode = "LLM_REQUEST_FAILED"
	ErrLLMSchemaValidationFailed  ErrCode = "LLM_SCHEMA_VALIDATION_FAILED"
	ErrLLMTimeout                 ErrCode = "LLM_TIMEOUT"
	ErrTokenBudgetExceeded        ErrCode = "TOKEN_BUDGET_EXCEEDED"
	ErrMaxStepsExceeded           ErrCode = "MAX_STEPS_EXCEEDED"
	ErrCompensationPartial        ErrCode = "COMPENSATION_PARTIAL"
	ErrSagaCompensated            ErrCode = "SAGA_COMPENSATED"
	ErrSagaFailed                 ErrCode = "SAGA_FAILED"
	ErrInfrastructureError        ErrCode = "INFRASTRUCTURE_ERROR"
	ErrUnknown                    ErrCode = "UNKNOWN_ERROR"
)

// SagaError is the structured error carried on StepExecutionState and
// ExecutionState: a stable Code plus Message, a Details bag, and a
// wrapped Cause for errors.Is/As.
type SagaError struct {
	Code    ErrCode
	Message string
	Details map[string]any
	Cause   error
}

func (e *SagaError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *SagaError) Unwrap() error { return e.Cause }

// NewError constructs a SagaError, optionally wrapping a cause.
func NewError(code ErrCode, message string, cause error) *SagaError {
	return &SagaError{Code: code, Message: message, Cause: cause}
}

// Sentinel errors for conditions that do not carry a dynamic message.
var (
	// ErrNoPlanSet is returned by ExecuteSingleStep when the ExecutionState
	// has no plan attached yet.
	ErrNoPlanSet = errors.New("no plan set")

	// ErrTerminalState is returned when a mutation is attempted against an
	// ExecutionState or TaskState that has already reached a terminal status.
	ErrTerminalState = errors.New("execution state is terminal")

	// ErrDeadlock is returned by the scheduler when the ready set is empty
	// but not all steps are terminal (unreachable given a validated plan,
	// except through store corruption).
	ErrDeadlock = errors.New("deadlock: no ready steps but plan incomplete")
)

// AsCode extracts the ErrCode carried by err, if any, defaulting to
// ErrUnknown for errors that were never classified.
func AsCode(err error) ErrCode {
	if err == nil {
		return ""
	}
	var se *SagaError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrUnknown
}
