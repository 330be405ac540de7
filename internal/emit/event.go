// Package emit carries the saga's observability event stream. Every event
// carries a lamport.Timestamp so cross-service ordering survives when more
// than one worker instance publishes for the same execution.
package emit

import "github.com/tomwolfe/intentsaga/internal/lamport"

// Event is one observability event emitted during saga execution: a step
// starting, completing, a checkpoint, a compensation, a state transition.
type Event struct {
	ExecutionID string
	StepID      string
	Msg         string
	Lamport     lamport.Timestamp
	Meta        map[string]any
}
