package emit

import "context"

// NullEmitter discards every event. Used when observability overhead is
// unwanted, or as the zero-value default wherever an Emitter is optional.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (NullEmitter) Emit(Event) {}

func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (NullEmitter) Flush(context.Context) error { return nil }
