package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/tomwolfe/intentsaga/internal/kv/memkv"
)

func TestFingerprint_Deterministic(t *testing.T) {
	params := map[string]any{"b": float64(2), "a": float64(1)}
	f1 := Fingerprint("user-1", "intent-1", 5, "refund", params)
	f2 := Fingerprint("user-1", "intent-1", 5, "refund", map[string]any{"a": float64(1), "b": float64(2)})
	if f1 != f2 {
		t.Errorf("expected key-order-independent fingerprint, got %q vs %q", f1, f2)
	}
	if len(f1) != 16 {
		t.Errorf("expected 16-char fingerprint, got %d chars", len(f1))
	}
}

func TestFingerprint_DistinguishesParams(t *testing.T) {
	f1 := Fingerprint("user-1", "intent-1", 5, "refund", map[string]any{"amount": float64(10)})
	f2 := Fingerprint("user-1", "intent-1", 5, "refund", map[string]any{"amount": float64(20)})
	if f1 == f2 {
		t.Error("expected different params to yield different fingerprints")
	}
}

func TestFingerprint_TrimsWhitespace(t *testing.T) {
	f1 := Fingerprint("u", "p", 1, "t", map[string]any{"name": "alice"})
	f2 := Fingerprint("u", "p", 1, "t", map[string]any{"name": "  alice  "})
	if f1 != f2 {
		t.Error("expected whitespace-trimmed strings to fingerprint identically")
	}
}

func TestGate_ClaimOncePerTTL(t *testing.T) {
	ctx := context.Background()
	g := NewGate(memkv.New(nil), "test", "user-1", time.Hour)

	ok, err := g.Claim(ctx, "fp-1", 0)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = g.Claim(ctx, "fp-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second claim of the same fingerprint to fail")
	}
}

func TestGate_DistinctKeysClaimIndependently(t *testing.T) {
	ctx := context.Background()
	g := NewGate(memkv.New(nil), "test", "user-1", time.Hour)

	ok1, _ := g.Claim(ctx, "fp-a", 0)
	ok2, _ := g.Claim(ctx, "fp-b", 0)
	if !ok1 || !ok2 {
		t.Errorf("expected distinct fingerprints to claim independently, got %v %v", ok1, ok2)
	}
}

func TestGate_ChildCarriesNewCausalPair(t *testing.T) {
	g := NewGate(memkv.New(nil), "test", "user-1", time.Hour)
	child := g.Child("intent-9", 7)

	want := Fingerprint("user-1", "intent-9", 7, "book_ride", map[string]any{"to": "airport"})
	got := child.Fingerprint("book_ride", map[string]any{"to": "airport"})
	if got != want {
		t.Errorf("expected child fingerprint under the new causal pair, got %s want %s", got, want)
	}

	other := g.Child("intent-9", 8).Fingerprint("book_ride", map[string]any{"to": "airport"})
	if other == got {
		t.Error("expected a different lamport tick to yield a different fingerprint")
	}
}
