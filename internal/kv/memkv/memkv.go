// Package memkv is the in-process KV backend: a single RWMutex guarding
// a handful of maps, safe for concurrent access, with no persistence
// across process restarts. It is the default for tests and
// single-process demos.
package memkv

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomwolfe/intentsaga/internal/kv"
)

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is the in-memory kv.KV implementation.
type Store struct {
	mu    sync.RWMutex
	data  map[string]*entry
	zsets map[string]map[string]float64
	sets  map[string]map[string]struct{}
	now   func() time.Time
}

// New creates an empty Store. clock defaults to time.Now when nil, and
// exists only so tests can pin time deterministically.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		data:  make(map[string]*entry),
		zsets: make(map[string]map[string]float64),
		sets:  make(map[string]map[string]struct{}),
		now:   clock,
	}
}

// getLocked treats an expired entry as missing without deleting it, so it
// stays safe under the read lock; write paths overwrite stale entries.
func (s *Store) getLocked(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return nil, false
	}
	return e, true
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetExpiring(ctx, key, value, 0)
}

func (s *Store) SetExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	version := int64(1)
	if existing, ok := s.data[key]; ok && !existing.expired(s.now()) {
		version = existing.version + 1
	}
	s.data[key] = &entry{value: v, version: version, expiresAt: exp}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.getLocked(key)
	return ok, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return kv.ErrNotFound
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

func (s *Store) Increment(_ context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		var exp time.Time
		if ttlOnCreate > 0 {
			exp = s.now().Add(ttlOnCreate)
		}
		e = &entry{version: 1, expiresAt: exp}
		s.data[key] = e
	}
	cur := parseInt(e.value)
	cur += delta
	e.value = []byte(formatInt(cur))
	e.version++
	return cur, nil
}

func (s *Store) ZAdd(_ context.Context, key string, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) sortedMembers(key string) []string {
	z := s.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] != z[members[j]] {
			return z[members[i]] < z[members[j]]
		}
		return members[i] < members[j]
	})
	return members
}

func clampRange(n int, start, stop int64) (int, int) {
	if start < 0 {
		start += int64(n)
	}
	if stop < 0 {
		stop += int64(n)
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(n) {
		stop = int64(n) - 1
	}
	if start > stop || n == 0 {
		return 0, 0
	}
	return int(start), int(stop) + 1
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.sortedMembers(key)
	a, b := clampRange(len(members), start, stop)
	out := make([]string, b-a)
	copy(out, members[a:b])
	return out, nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.sortedMembers(key) {
		score := s.zsets[key][m]
		if score >= min && score <= max {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ZRank(_ context.Context, key string, member string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, m := range s.sortedMembers(key) {
		if m == member {
			return int64(i), nil
		}
	}
	return 0, kv.ErrNotFound
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	a, b := clampRange(len(members), start, stop)
	z := s.zsets[key]
	for _, m := range members[a:b] {
		delete(z, m)
	}
	return nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Scan implements cursor-based enumeration over plain keys (zsets/sets are
// not enumerable through Scan, matching the production backends where only
// the flat keyspace is indexed this way). The cursor is simply the offset
// into a stable, sorted key listing taken at call time — adequate for the
// in-memory backend's test/demo role; it is not safe against concurrent
// key churn the way a production cursor would be.
func (s *Store) Scan(_ context.Context, cursor uint64, pattern string, count int64) (kv.ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var all []string
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, k); !ok {
				continue
			}
		}
		all = append(all, k)
	}
	sort.Strings(all)
	if cursor >= uint64(len(all)) {
		return kv.ScanResult{}, nil
	}
	end := cursor + uint64(count)
	if count <= 0 || end > uint64(len(all)) {
		end = uint64(len(all))
	}
	next := end
	if next >= uint64(len(all)) {
		next = 0
	}
	return kv.ScanResult{Keys: all[cursor:end], NextCursor: next}, nil
}

func (s *Store) CAS(_ context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (kv.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	currentVersion := int64(0)
	if ok {
		currentVersion = e.version
	}
	if currentVersion != expectedVersion {
		var cur []byte
		if ok {
			cur = append([]byte(nil), e.value...)
		}
		return kv.CASResult{Success: false, CurrentVersion: currentVersion, CurrentValue: cur}, nil
	}
	v := make([]byte, len(newValue))
	copy(v, newValue)
	var exp time.Time
	if ok {
		exp = e.expiresAt
	}
	s.data[key] = &entry{value: v, version: newVersion, expiresAt: exp}
	return kv.CASResult{Success: true, CurrentVersion: newVersion, CurrentValue: v}, nil
}

func (s *Store) DeltaMerge(_ context.Context, key string, patch map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	obj := make(map[string]any)
	version := int64(0)
	if ok {
		_ = json.Unmarshal(e.value, &obj)
		version = e.version
	}
	for k, v := range patch {
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return 0, err
	}
	version++
	var exp time.Time
	if ok {
		exp = e.expiresAt
	}
	s.data[key] = &entry{value: merged, version: version, expiresAt: exp}
	return version, nil
}

func parseInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var n int64
	neg := false
	for i, c := range string(b) {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func formatInt(n int64) string {
	var sb strings.Builder
	if n < 0 {
		sb.WriteByte('-')
		n = -n
	}
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 20)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}
