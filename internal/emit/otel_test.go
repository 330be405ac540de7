package emit

import (
	"context"
	"testing"

	"github.com/tomwolfe/intentsaga/internal/lamport"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitter_EmitStampsLamportAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(otel.Tracer("intentsaga-test"))
	emitter.Emit(Event{
		ExecutionID: "exec-1",
		StepID:      "step-0",
		Msg:         "step_start",
		Lamport:     lamport.Timestamp{Counter: 7, ServiceID: "svc-scheduler"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "step_start" {
		t.Errorf("expected span name step_start, got %s", span.Name)
	}

	found := false
	for _, attr := range span.Attributes {
		if string(attr.Key) == "saga.lamport_counter" && attr.Value.AsInt64() == 7 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected saga.lamport_counter=7 attribute, got %+v", span.Attributes)
	}
}
