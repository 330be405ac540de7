// Package checkpoint wraps a kv.KV with typed (de)serialization, OCC
// retry, and TTL enforcement for the saga domain types. Conflicting
// writers rebase with exponential backoff plus jitter rather than
// blocking on a lock.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/kv"
)

// Options configures SaveStateWithOCC's rebase behavior. Zero-value
// Options falls back to DefaultOptions.
type Options struct {
	MaxRebases int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterFrac float64
	Rand       *rand.Rand
}

// DefaultOptions sizes the backoff for rebase-on-conflict: few attempts
// (conflicts should be rare and short-lived), small delays.
func DefaultOptions() Options {
	return Options{
		MaxRebases: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		JitterFrac: 0.3,
	}
}

// ErrRebaseExhausted is returned by SaveStateWithOCC when every rebase
// attempt still hits a version conflict.
var ErrRebaseExhausted = errors.New("checkpoint: OCC rebase attempts exhausted")

// Store persists ExecutionState/TaskState/Checkpoint under the namespace
// prefix convention kv.Namespace defines.
type Store struct {
	kv        kv.KV
	namespace string
	clock     func() time.Time
}

// New wraps backend under namespace. clock defaults to time.Now.
func New(backend kv.KV, namespace string, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{kv: backend, namespace: namespace, clock: clock}
}

func (s *Store) executionKey(executionID string) string {
	return kv.Namespace(s.namespace, string(KindExecutionState), executionID)
}

func (s *Store) taskKey(executionID string) string {
	return kv.Namespace(s.namespace, "task_state", executionID)
}

func (s *Store) taskIndexKey() string {
	return kv.Namespace(s.namespace, "task_state_index", "all")
}

// touchTaskIndex stamps executionID's position in the UpdatedAt-ordered
// index the recovery sweeper (internal/recovery) scans for zombies. It is
// called by every TaskState write so the index never drifts from the
// records it points at.
func (s *Store) touchTaskIndex(ctx context.Context, executionID string, updatedAt time.Time) error {
	return s.kv.ZAdd(ctx, s.taskIndexKey(), executionID, float64(updatedAt.Unix()))
}

// LoadState reads the current ExecutionState for executionID without
// taking part in any OCC write. Callers that need to run I/O (tool
// invocations) against a consistent snapshot before committing results
// should read with LoadState first, then pass a pure merge function to
// SaveStateWithOCC — never perform I/O inside the mutate closure itself,
// since a version conflict replays it. Returns kv.ErrNotFound if absent.
func (s *Store) LoadState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	state, _, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, kv.ErrNotFound
	}
	return state, nil
}

// loadExecution reads the current ExecutionState and its KV
// version, or a fresh zero-version state if none exists yet.
func (s *Store) loadExecution(ctx context.Context, executionID string) (*domain.ExecutionState, int64, error) {
	key := s.executionKey(executionID)
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var state domain.ExecutionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, 0, err
	}
	return &state, state.Version, nil
}

// SaveStateWithOCC loads the current state for executionID (or starts a
// fresh one if absent), applies mutate, and CASes the write. On a version
// conflict it reloads the freshly-written state and reapplies mutate,
// backing off with jitter between attempts, up to opts.MaxRebases times.
func (s *Store) SaveStateWithOCC(
	ctx context.Context,
	executionID string,
	mutate func(*domain.ExecutionState) error,
	opts Options,
) (*domain.ExecutionState, error) {
	if opts.MaxRebases == 0 && opts.BaseDelay == 0 {
		opts = DefaultOptions()
	}
	key := s.executionKey(executionID)
	for attempt := 0; attempt <= opts.MaxRebases; attempt++ {
		state, version, err := s.loadExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			state = domain.NewExecutionState(executionID, domain.Intent{}, s.clock())
			version = 0
		}
		if err := mutate(state); err != nil {
			return nil, err
		}
		newVersion := version + 1
		state.Version = newVersion
		payload, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		res, err := s.kv.CAS(ctx, key, version, payload, newVersion)
		if err != nil {
			return nil, err
		}
		if res.Success {
			// Lifetime runs from the last write, so refresh on every save.
			if err := s.kv.Expire(ctx, key, TTLFor(KindExecutionState)); err != nil {
				return nil, err
			}
			return state, nil
		}
		if attempt == opts.MaxRebases {
			break
		}
		delay := computeBackoff(attempt, opts.BaseDelay, opts.MaxDelay, opts.JitterFrac, opts.Rand)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, ErrRebaseExhausted
}

// computeBackoff is base*2^attempt capped at maxDelay,
// plus a uniform jitter fraction of base. rng is nil in production: the
// package-level math/rand functions are used instead of a fixed-seed
// rand.Rand, since a per-call rand.NewSource(1) would produce identical
// "random" jitter on every rebase and defeat the point of spreading
// concurrent callers apart. Tests pass opts.Rand for determinism.
func computeBackoff(attempt int, base, maxDelay time.Duration, jitterFrac float64, rng *rand.Rand) time.Duration {
	delay := base * time.Duration(int64(1)<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitterRange := time.Duration(float64(base) * jitterFrac)
	if jitterRange <= 0 {
		return delay
	}
	if rng != nil {
		return delay + time.Duration(rng.Int63n(int64(jitterRange)))
	}
	return delay + time.Duration(rand.Int63n(int64(jitterRange)))
}

// GetTaskState loads the TaskState for executionID.
func (s *Store) GetTaskState(ctx context.Context, executionID string) (*domain.TaskState, error) {
	raw, err := s.kv.Get(ctx, s.taskKey(executionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ts domain.TaskState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// CreateTaskState persists a brand-new TaskState, failing if one already
// exists for this execution.
func (s *Store) CreateTaskState(ctx context.Context, ts *domain.TaskState) error {
	ts.Version = 1
	payload, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	res, err := s.kv.CAS(ctx, s.taskKey(ts.ExecutionID), 0, payload, 1)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New("checkpoint: task state already exists for " + ts.ExecutionID)
	}
	if err := s.kv.Expire(ctx, s.taskKey(ts.ExecutionID), TTLFor(KindExecutionState)); err != nil {
		return err
	}
	return s.touchTaskIndex(ctx, ts.ExecutionID, ts.UpdatedAt)
}

// TransitionTaskState loads, transitions, and persists the TaskState in
// one OCC-protected step, appending to its append-only Transitions log.
func (s *Store) TransitionTaskState(ctx context.Context, executionID string, next domain.TaskStatus, reason string) (*domain.TaskState, error) {
	key := s.taskKey(executionID)
	for attempt := 0; attempt <= 3; attempt++ {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var ts domain.TaskState
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, err
		}
		version := ts.Version
		if err := ts.TransitionTo(next, reason, s.clock()); err != nil {
			return nil, err
		}
		ts.Version = version + 1
		payload, err := json.Marshal(&ts)
		if err != nil {
			return nil, err
		}
		res, err := s.kv.CAS(ctx, key, version, payload, ts.Version)
		if err != nil {
			return nil, err
		}
		if res.Success {
			if err := s.kv.Expire(ctx, key, TTLFor(KindExecutionState)); err != nil {
				return nil, err
			}
			if err := s.touchTaskIndex(ctx, executionID, ts.UpdatedAt); err != nil {
				return nil, err
			}
			return &ts, nil
		}
	}
	return nil, ErrRebaseExhausted
}

// AdvanceTaskCursor records segment progress on the TaskState in one
// OCC-protected step: the cursor the next invocation resumes from, and
// the segment counter. This is what makes SegmentResult.NextStepIndex
// durable across invocation boundaries — a resume that arrives with no
// timer payload (e.g. the recovery sweeper's) still starts at the right
// step.
func (s *Store) AdvanceTaskCursor(ctx context.Context, executionID string, cursor int) error {
	key := s.taskKey(executionID)
	for attempt := 0; attempt <= 3; attempt++ {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		var ts domain.TaskState
		if err := json.Unmarshal(raw, &ts); err != nil {
			return err
		}
		version := ts.Version
		if cursor > ts.CurrentStepIndex {
			ts.CurrentStepIndex = cursor
		}
		ts.IncrementSegment()
		ts.UpdatedAt = s.clock()
		ts.Version = version + 1
		payload, err := json.Marshal(&ts)
		if err != nil {
			return err
		}
		res, err := s.kv.CAS(ctx, key, version, payload, ts.Version)
		if err != nil {
			return err
		}
		if res.Success {
			if err := s.kv.Expire(ctx, key, TTLFor(KindExecutionState)); err != nil {
				return err
			}
			return s.touchTaskIndex(ctx, executionID, ts.UpdatedAt)
		}
	}
	return ErrRebaseExhausted
}

// MarkRecoveryAttempt bumps the TaskState's recovery-attempt counter in
// one OCC-protected step, so the sweeper's auto-repair cap holds across
// sweeps and worker instances.
func (s *Store) MarkRecoveryAttempt(ctx context.Context, executionID string) error {
	key := s.taskKey(executionID)
	for attempt := 0; attempt <= 3; attempt++ {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		var ts domain.TaskState
		if err := json.Unmarshal(raw, &ts); err != nil {
			return err
		}
		version := ts.Version
		ts.RecoveryAttempts++
		ts.UpdatedAt = s.clock()
		ts.Version = version + 1
		payload, err := json.Marshal(&ts)
		if err != nil {
			return err
		}
		res, err := s.kv.CAS(ctx, key, version, payload, ts.Version)
		if err != nil {
			return err
		}
		if res.Success {
			if err := s.kv.Expire(ctx, key, TTLFor(KindExecutionState)); err != nil {
				return err
			}
			return s.touchTaskIndex(ctx, executionID, ts.UpdatedAt)
		}
	}
	return ErrRebaseExhausted
}

// ListStaleTasks returns up to limit TaskStates last touched before
// olderThan, oldest first — the zombie candidate source internal/recovery
// polls. Terminal TaskStates are skipped so the sweeper never
// re-considers work that has already finished; their index entries are
// left in place.
func (s *Store) ListStaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskState, error) {
	ids, err := s.kv.ZRangeByScore(ctx, s.taskIndexKey(), 0, float64(olderThan.Unix()))
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskState, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		ts, err := s.GetTaskState(ctx, id)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ts.Status.IsTerminal() {
			continue
		}
		out = append(out, *ts)
	}
	return out, nil
}

// ResumePayload is the timer record ScheduleResume persists and
// DueResumes returns.
type ResumePayload struct {
	ExecutionID string         `json:"execution_id"`
	FireAt      time.Time      `json:"fire_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ScheduleResume enqueues a timer record for an external resume
// scheduler to deliver after delay. This store only persists the
// intent to resume; actual timer delivery is outside this module's scope.
func (s *Store) ScheduleResume(ctx context.Context, executionID string, delay time.Duration, payload map[string]any) error {
	rp := ResumePayload{
		ExecutionID: executionID,
		FireAt:      s.clock().Add(delay),
		Payload:     payload,
	}
	raw, err := json.Marshal(rp)
	if err != nil {
		return err
	}
	key := kv.Namespace(s.namespace, "resume_timer", executionID)
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, kv.Namespace(s.namespace, "resume_timer_index", "all"), executionID, float64(rp.FireAt.Unix()))
}

func (s *Store) resumeIndexKey() string {
	return kv.Namespace(s.namespace, "resume_timer_index", "all")
}

func (s *Store) resumeKey(executionID string) string {
	return kv.Namespace(s.namespace, "resume_timer", executionID)
}

// DueResumes returns up to limit ResumePayloads whose FireAt has already
// passed, oldest first — the poll source cmd/sagaworker's resume loop
// drains each tick in lieu of a push-based timer service.
func (s *Store) DueResumes(ctx context.Context, now time.Time, limit int) ([]ResumePayload, error) {
	ids, err := s.kv.ZRangeByScore(ctx, s.resumeIndexKey(), 0, float64(now.Unix()))
	if err != nil {
		return nil, err
	}
	out := make([]ResumePayload, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		raw, err := s.kv.Get(ctx, s.resumeKey(id))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rp ResumePayload
		if err := json.Unmarshal(raw, &rp); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, nil
}

// ClearResume removes a timer record once cmd/sagaworker has consumed it,
// so DueResumes never redelivers the same resume twice.
func (s *Store) ClearResume(ctx context.Context, executionID string) error {
	if err := s.kv.Delete(ctx, s.resumeKey(executionID)); err != nil {
		return err
	}
	rank, err := s.kv.ZRank(ctx, s.resumeIndexKey(), executionID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.kv.ZRemRangeByRank(ctx, s.resumeIndexKey(), rank, rank)
}
