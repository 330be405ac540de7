package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomwolfe/intentsaga/internal/kv/memkv"
)

type fakeProjector struct {
	failUntil int
	seen      int
}

func (f *fakeProjector) Project(context.Context, Event) error {
	f.seen++
	if f.seen <= f.failUntil {
		return errors.New("projection backend unavailable")
	}
	return nil
}

func TestRelay_Tick_ProcessesPendingFIFO(t *testing.T) {
	ctx := context.Background()
	log := NewLog(memkv.New(nil), "test", nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "exec-1", EventSagaStepCompleted, map[string]any{"i": i}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	projector := &fakeProjector{}
	relay := NewRelay(log, projector, 0)
	processed, failed, err := relay.Tick(ctx, "exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 || failed != 0 {
		t.Errorf("expected all 3 events processed, got processed=%d failed=%d", processed, failed)
	}

	processed, failed, err = relay.Tick(ctx, "exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Errorf("expected re-tick over already-processed events to be a no-op, got processed=%d failed=%d", processed, failed)
	}
}

func TestRelay_Tick_RetriesThenMarksFailed(t *testing.T) {
	ctx := context.Background()
	log := NewLog(memkv.New(nil), "test", nil, nil)
	if _, err := log.Append(ctx, "exec-2", EventSagaStepFailed, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	projector := &fakeProjector{failUntil: MaxAttempts + 1}
	relay := NewRelay(log, projector, 0)

	var totalFailed int
	for i := 0; i < MaxAttempts; i++ {
		_, failed, err := relay.Tick(ctx, "exec-2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		totalFailed += failed
	}
	if totalFailed != 1 {
		t.Fatalf("expected exactly one failed outcome across %d retries, got %d", MaxAttempts, totalFailed)
	}

	// A further tick must be a no-op: the event already settled to failed.
	processed, failed, err := relay.Tick(ctx, "exec-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Errorf("expected no further activity on an already-failed event, got processed=%d failed=%d", processed, failed)
	}
}

func TestLog_Append_NotifiesSubscriber(t *testing.T) {
	ctx := context.Background()
	var captured []Event
	sub := subscriberFunc(func(_ context.Context, ev Event) {
		captured = append(captured, ev)
	})
	log := NewLog(memkv.New(nil), "test", nil, sub)

	if _, err := log.Append(ctx, "exec-3", EventContinueExecution, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured) != 1 || captured[0].ExecutionID != "exec-3" {
		t.Errorf("expected subscriber to observe the appended event, got %+v", captured)
	}
}

type subscriberFunc func(ctx context.Context, ev Event)

func (f subscriberFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

func TestRelay_Tick_DropsExpiredEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	log := NewLog(memkv.New(nil), "test", clock, nil)
	log.SetExpiry(time.Minute)

	if _, err := log.Append(ctx, "exec-4", EventSagaStepCompleted, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Minute)

	projector := &fakeProjector{}
	relay := NewRelay(log, projector, 0)
	processed, failed, err := relay.Tick(ctx, "exec-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Errorf("expected the expired event to settle without projection, got processed=%d failed=%d", processed, failed)
	}
	if projector.seen != 0 {
		t.Errorf("expected no projection attempt for an expired event, got %d", projector.seen)
	}
}
