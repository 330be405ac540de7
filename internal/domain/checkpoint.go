package domain

import "time"

// HistoryEntryRole distinguishes the actors that can append to a
// Checkpoint's conversational History.
type HistoryEntryRole string

const (
	RoleUser      HistoryEntryRole = "user"
	RoleAssistant HistoryEntryRole = "assistant"
	RoleTool      HistoryEntryRole = "tool"
	RoleSystem    HistoryEntryRole = "system"
)

// ToolCall is an assistant-issued invocation recorded on a HistoryEntry.
type ToolCall struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResult is the outcome of a ToolCall, recorded on the following
// HistoryEntry.
type ToolResult struct {
	Output map[string]any `json:"output,omitempty"`
	Error  *SagaError     `json:"error,omitempty"`
}

// HistoryEntry is one turn of a Checkpoint's append-only conversational
// log: a thought, a tool call, a tool result, or a plain message, any of
// which may be present depending on Role.
type HistoryEntry struct {
	Role       HistoryEntryRole `json:"role"`
	Thought    string           `json:"thought,omitempty"`
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	ToolResult *ToolResult      `json:"tool_result,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Checkpoint is the durable, resumable conversational record for a single
// intent: its cursor into the owning plan, its full interaction history,
// and free-form metadata the planner/runner attach along the way. It is
// distinct from the OCC write performed by internal/checkpoint.Store —
// this type is the payload that store persists.
type Checkpoint struct {
	IntentID  string           `json:"intent_id"`
	Cursor    int              `json:"cursor"`
	History   []HistoryEntry   `json:"history"`
	Status    ExecutionStatus  `json:"status"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewCheckpoint creates an empty checkpoint for intentID at cursor 0.
func NewCheckpoint(intentID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		IntentID:  intentID,
		Cursor:    0,
		Status:    StatusReceived,
		UpdatedAt: now,
	}
}

// Append adds entry to the history and stamps UpdatedAt.
func (c *Checkpoint) Append(entry HistoryEntry, now time.Time) {
	c.History = append(c.History, entry)
	c.UpdatedAt = now
}
