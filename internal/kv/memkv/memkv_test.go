package memkv

import (
	"context"
	"testing"
	"time"

	"github.com/tomwolfe/intentsaga/internal/kv"
)

func TestStore_GetSetExpiring(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	s := New(func() time.Time { return clock })

	if err := s.SetExpiring(ctx, "k1", []byte("v1"), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := s.Get(ctx, "k1")
	if err != nil || string(v) != "v1" {
		t.Fatalf("expected v1, got %q err=%v", v, err)
	}

	clock = clock.Add(20 * time.Millisecond)
	if _, err := s.Get(ctx, "k1"); err != kv.ErrNotFound {
		t.Fatalf("expected expired key to report ErrNotFound, got %v", err)
	}
}

func TestStore_CAS(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	res, err := s.CAS(ctx, "k1", 0, []byte("v1"), 1)
	if err != nil || !res.Success {
		t.Fatalf("expected first CAS (create) to succeed, got %+v err=%v", res, err)
	}

	res, err = s.CAS(ctx, "k1", 1, []byte("v2"), 2)
	if err != nil || !res.Success {
		t.Fatalf("expected CAS with correct version to succeed, got %+v err=%v", res, err)
	}

	res, err = s.CAS(ctx, "k1", 1, []byte("v3"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected stale version CAS to fail")
	}
	if res.CurrentVersion != 2 || string(res.CurrentValue) != "v2" {
		t.Errorf("expected conflict to report current state, got %+v", res)
	}
}

func TestStore_Increment(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	n, err := s.Increment(ctx, "counter", 1, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected counter=1, got %d err=%v", n, err)
	}
	n, err = s.Increment(ctx, "counter", 5, time.Minute)
	if err != nil || n != 6 {
		t.Fatalf("expected counter=6, got %d err=%v", n, err)
	}

	exists, _ := s.Exists(ctx, "counter")
	if !exists {
		t.Fatal("expected counter key to exist")
	}
}

func TestStore_ZSet(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_ = s.ZAdd(ctx, "z1", "c", 3)
	_ = s.ZAdd(ctx, "z1", "a", 1)
	_ = s.ZAdd(ctx, "z1", "b", 2)

	members, err := s.ZRange(ctx, "z1", 0, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(members) != len(want) {
		t.Fatalf("expected %v, got %v", want, members)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, members)
		}
	}

	rank, err := s.ZRank(ctx, "z1", "b")
	if err != nil || rank != 1 {
		t.Fatalf("expected rank 1, got %d err=%v", rank, err)
	}

	if err := s.ZRemRangeByRank(ctx, "z1", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	card, _ := s.ZCard(ctx, "z1")
	if card != 2 {
		t.Fatalf("expected 2 members after removing lowest rank, got %d", card)
	}
}

func TestStore_DeltaMerge(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	v1, err := s.DeltaMerge(ctx, "obj", map[string]any{"a": float64(1)})
	if err != nil || v1 != 1 {
		t.Fatalf("expected version 1, got %d err=%v", v1, err)
	}
	v2, err := s.DeltaMerge(ctx, "obj", map[string]any{"b": float64(2)})
	if err != nil || v2 != 2 {
		t.Fatalf("expected version 2, got %d err=%v", v2, err)
	}

	raw, err := s.Get(ctx, "obj")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"a":1,"b":2}` {
		t.Errorf("expected shallow-merged object, got %s", raw)
	}
}

func TestStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	for _, k := range []string{"ns:a:1", "ns:a:2", "ns:b:1"} {
		_ = s.Set(ctx, k, []byte("v"))
	}

	res, err := s.Scan(ctx, 0, "ns:a:*", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Keys) != 2 {
		t.Fatalf("expected 2 matching keys, got %v", res.Keys)
	}
}
