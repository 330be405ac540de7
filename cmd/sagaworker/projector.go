package main

import (
	"context"

	"github.com/tomwolfe/intentsaga/internal/emit"
	"github.com/tomwolfe/intentsaga/internal/lamport"
	"github.com/tomwolfe/intentsaga/internal/outbox"
)

// emitProjector satisfies outbox.Projector by re-emitting each outbox
// event through the observability Emitter, lamport-stamping it as the
// event leaves this service's boundary.
type emitProjector struct {
	emitter emit.Emitter
	clock   *lamport.Clock
}

func (p *emitProjector) Project(_ context.Context, ev outbox.Event) error {
	p.emitter.Emit(emit.Event{
		ExecutionID: ev.ExecutionID,
		Msg:         string(ev.Type),
		Lamport:     p.clock.Tick(),
		Meta: map[string]any{
			"event_id": ev.ID,
			"payload":  ev.Payload,
		},
	})
	return nil
}
