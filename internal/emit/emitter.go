package emit

import "context"

// Emitter receives observability events from saga execution. Implementations
// must not block the scheduler/runner hot path and must not panic on a
// malformed event.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
