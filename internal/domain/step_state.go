package domain

import "time"

// StepStatus is the closed lifecycle of a single step's execution state.
// It advances monotonically: once a step leaves "pending"/"in_progress"
// it never regresses back into them.
type StepStatus string

const (
	StepPending               StepStatus = "pending"
	StepInProgress            StepStatus = "in_progress"
	StepCompleted             StepStatus = "completed"
	StepFailed                StepStatus = "failed"
	StepSkipped               StepStatus = "skipped"
	StepTimeout               StepStatus = "timeout"
	StepAwaitingConfirmation  StepStatus = "awaiting_confirmation"
)

// terminalStepStatuses is the set a step's status must never regress from.
var terminalStepStatuses = map[StepStatus]bool{
	StepCompleted: true,
	StepFailed:    true,
	StepSkipped:   true,
	StepTimeout:   true,
}

// IsTerminal reports whether s is one of the statuses a step can no longer
// leave.
func (s StepStatus) IsTerminal() bool { return terminalStepStatuses[s] }

// StepExecutionState tracks one step's progress within an ExecutionState.
// It is created on first touch and its Attempts counter only increases.
type StepExecutionState struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *SagaError     `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
	LatencyMS   int64          `json:"latency_ms"`
}

// advance moves the step to status next, bumping Attempts when entering
// in_progress and stamping timestamps on entry/exit. It refuses to move a
// step backward out of a terminal status — callers that violate this are
// mis-using the scheduler, not exercising a legitimate retry path (retries
// create a fresh attempt while the step is still pending/in_progress).
func (s *StepExecutionState) advance(next StepStatus, now time.Time) {
	if s.Status.IsTerminal() {
		return
	}
	if next == StepInProgress {
		s.Attempts++
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	}
	if next.IsTerminal() {
		s.CompletedAt = &now
		if s.StartedAt != nil {
			s.LatencyMS = now.Sub(*s.StartedAt).Milliseconds()
		}
	}
	s.Status = next
}
