// Package kv defines the durable key-value interface every checkpoint,
// idempotency, and outbox component is built on, plus the namespacing
// convention shared by every backend implementation.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get and the ordered-set lookups when the key
// or member does not exist. It is never returned by Set/SetExpiring,
// which always succeed or report an infrastructure error.
var ErrNotFound = errors.New("kv: not found")

// ErrVersionConflict names a CAS version mismatch. No backend's CAS
// returns it: a mismatch is reported as CASResult.Success == false with a
// nil error.
var ErrVersionConflict = errors.New("kv: version conflict")

// CASResult is the outcome of a compare-and-swap attempt.
type CASResult struct {
	Success        bool
	CurrentVersion int64
	CurrentValue   []byte
}

// ScanResult is one page of a Scan enumeration.
type ScanResult struct {
	Keys       []string
	NextCursor uint64
}

// KV is the durable store every saga component persists through. All keys
// are expected to already carry the "<namespace>:<type>:<id>" prefix
// convention (see Namespace) — the interface itself is namespace-agnostic.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetExpiring(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Increment atomically adds delta to the integer stored at key,
	// creating it at 0 first if absent. When the value transitions from
	// absent to 1 (delta>0, key previously missing) and ttl > 0, the TTL
	// is stamped on that creation — never refreshed on later increments.
	Increment(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error)

	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRank(ctx context.Context, key string, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan is the only sanctioned enumerator. A full key listing by
	// pattern alone (without cursor paging) is deliberately absent from
	// this interface: backends at saga scale cannot offer it cheaply.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (ScanResult, error)

	// CAS performs an atomic compare-and-swap: the write succeeds only if
	// the stored version equals expectedVersion (expectedVersion==0 means
	// "key must not exist yet"). On success the key's version becomes
	// newVersion. On conflict Success is false and CurrentVersion/
	// CurrentValue report the actual stored state so callers can rebase.
	CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (CASResult, error)

	// DeltaMerge shallow-merges patch into the JSON object stored at key
	// (creating an empty object first if absent) and bumps its version,
	// returning the new version. It is used for small incremental writes
	// that don't warrant a full load-mutate-CAS round trip.
	DeltaMerge(ctx context.Context, key string, patch map[string]any) (int64, error)
}

// Namespace builds the "<namespace>:<type>:<id>" key convention every KV
// backend and caller shares.
func Namespace(namespace, typ, id string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, typ, id)
}
