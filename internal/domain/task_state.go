package domain

import "time"

// TaskStatus is the simple 5-value status of the outer, per-execution
// task record (distinct from the richer ExecutionStatus state machine it
// embeds).
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var taskTerminalStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// IsTerminal reports whether s has no legal further transitions.
func (s TaskStatus) IsTerminal() bool { return taskTerminalStatuses[s] }

// Transition is one entry in TaskState's append-only audit log.
type Transition struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// TaskState is the outer record a resume or recovery sweep looks up by
// ExecutionID: it tracks segment/cursor progress across the time-budgeted
// runner's invocations and wraps the embedded ExecutionState.
type TaskState struct {
	ExecutionID      string          `json:"execution_id"`
	Status           TaskStatus      `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	SegmentNumber    int             `json:"segment_number"`
	Transitions      []Transition    `json:"transitions"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	State            ExecutionState  `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int64           `json:"_version"`
}

// NewTaskState creates the initial queued record for a freshly-accepted
// execution.
func NewTaskState(state ExecutionState, now time.Time) *TaskState {
	return &TaskState{
		ExecutionID: state.ExecutionID,
		Status:      TaskQueued,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo appends a Transition entry and updates Status, enforcing
// the closed TaskStatus set and terminal immutability. The allowed graph
// is intentionally permissive beyond "no edges out of terminal" — the
// richer rules live on the embedded ExecutionState's own TransitionTo.
func (t *TaskState) TransitionTo(next TaskStatus, reason string, now time.Time) error {
	if t.Status.IsTerminal() {
		return NewError(ErrStateTransitionInvalid,
			"task "+t.ExecutionID+" is terminal at "+string(t.Status), ErrTerminalState)
	}
	switch next {
	case TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
	default:
		return NewError(ErrStateTransitionInvalid,
			"task "+t.ExecutionID+": unknown status "+string(next), nil)
	}
	t.Transitions = append(t.Transitions, Transition{
		From:      t.Status,
		To:        next,
		Reason:    reason,
		Timestamp: now,
	})
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// IncrementSegment advances the segment counter the time-budgeted runner
// uses to name successive invocations of the same resumed execution.
func (t *TaskState) IncrementSegment() {
	t.SegmentNumber++
}
