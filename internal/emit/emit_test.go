package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tomwolfe/intentsaga/internal/lamport"
)

func sampleEvent() Event {
	return Event{
		ExecutionID: "exec-1",
		StepID:      "step-0",
		Msg:         "step_start",
		Lamport:     lamport.Timestamp{Counter: 3, ServiceID: "svc-scheduler"},
		Meta:        map[string]any{"tool": "book_ride"},
	}
}

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(sampleEvent())

	out := buf.String()
	if !strings.Contains(out, "[step_start]") || !strings.Contains(out, "executionID=exec-1") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(sampleEvent())

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v (output: %s)", err, buf.String())
	}
	if decoded.ExecutionID != "exec-1" {
		t.Errorf("expected execution id to round-trip, got %q", decoded.ExecutionID)
	}
}

func TestNullEmitter_DiscardsEverything(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(sampleEvent())
	if err := e.EmitBatch(context.Background(), []Event{sampleEvent()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBufferedEmitter_HistoryByExecution(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(sampleEvent())
	other := sampleEvent()
	other.ExecutionID = "exec-2"
	e.Emit(other)

	got := e.History("exec-1")
	if len(got) != 1 || got[0].StepID != "step-0" {
		t.Errorf("expected one event for exec-1, got %+v", got)
	}
	if len(e.History("exec-2")) != 1 {
		t.Errorf("expected one event for exec-2")
	}

	e.Clear("exec-1")
	if len(e.History("exec-1")) != 0 {
		t.Errorf("expected exec-1 history cleared")
	}
	if len(e.History("exec-2")) != 1 {
		t.Errorf("expected exec-2 history untouched by targeted clear")
	}
}
