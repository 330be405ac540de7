package toolclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type scriptedTool struct {
	name string
	err  error
	out  map[string]any
}

func (t *scriptedTool) Name() string { return t.name }
func (t *scriptedTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.out, nil
}

func TestRegistry_AliasesRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{name: "refund"}, map[string]string{"amount_usd": "amount"})
	if got := r.Aliases("refund")["amount_usd"]; got != "amount" {
		t.Errorf("expected alias mapping preserved, got %q", got)
	}
	if r.Aliases("unknown") != nil {
		t.Error("expected nil aliases for unregistered tool")
	}
}

func TestClient_Invoke_UnknownToolFails(t *testing.T) {
	c := NewClient(NewRegistry(), BreakerSettings{})
	_, err := c.Invoke(context.Background(), "ghost", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestClient_Invoke_ReturnsToolOutput(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{name: "echo", out: map[string]any{"ok": true}}, nil)
	c := NewClient(r, BreakerSettings{})
	out, err := c.Invoke(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("expected tool output passed through, got %+v", out)
	}
}

func TestClient_Invoke_TripsBreakerAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(&scriptedTool{name: "flaky", err: boom}, nil)
	c := NewClient(r, BreakerSettings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Invoke(ctx, "flaky", nil); !errors.Is(err, boom) {
			t.Fatalf("expected underlying tool error on attempt %d, got %v", i, err)
		}
	}
	_, err := c.Invoke(ctx, "flaky", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected breaker open after consecutive failures, got %v", err)
	}
}
