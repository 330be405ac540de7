// Package outbox implements the durable state-change event log:
// business-state writes append an Event under the same checkpoint
// namespace, and a Relay polls pending rows FIFO and projects them
// forward, retrying a bounded number of times before giving up. The log
// survives process restarts; delivery is at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tomwolfe/intentsaga/internal/kv"
)

// EventType is one of the closed set of outbox event types. Downstream
// consumers match on these literals, including SagaCompensated's
// mixed-case spelling, so none of them can be renamed.
type EventType string

const (
	EventSagaStepCompleted          EventType = "SAGA_STEP_COMPLETED"
	EventSagaStepFailed             EventType = "SAGA_STEP_FAILED"
	EventSagaCompensationTriggered  EventType = "SAGA_COMPENSATION_TRIGGERED"
	EventSagaCompensationCompleted  EventType = "SAGA_COMPENSATION_COMPLETED"
	EventSagaCompleted              EventType = "SAGA_COMPLETED"
	EventSagaFailed                 EventType = "SAGA_FAILED"
	EventWorkflowStateChanged       EventType = "WORKFLOW_STATE_CHANGED"
	EventContinueExecution          EventType = "CONTINUE_EXECUTION"
	EventSagaManualInterventionReq  EventType = "SAGA_MANUAL_INTERVENTION_REQUIRED"
	EventWorkflowResume             EventType = "WORKFLOW_RESUME"
	EventSagaCompensated            EventType = "SagaCompensated"
)

// Status is an Event's delivery state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// MaxAttempts is the bounded retry count before an Event is marked failed.
const MaxAttempts = 3

// DefaultEventExpiry bounds how long an undelivered Event stays eligible
// for relay before it is dropped.
const DefaultEventExpiry = 7 * 24 * time.Hour

// Event is one durable outbox row.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Projector applies an Event's effect to a read model. A projection
// failure is retried; callers implement
// this against whatever cache/materialized-view store they maintain.
type Projector interface {
	Project(ctx context.Context, ev Event) error
}

// Subscriber is an optional pub/sub hook. It supplements polling, it
// never replaces it as the correctness floor, so
// Relay.Tick still runs its own scan regardless of whether a Subscriber
// is wired.
type Subscriber interface {
	Publish(ctx context.Context, ev Event)
}

// Log is the write side: Append persists an Event and indexes it into a
// per-execution FIFO ordered set keyed by creation time.
type Log struct {
	kv         kv.KV
	namespace  string
	clock      func() time.Time
	newID      func() string
	subscriber Subscriber
	expiry     time.Duration
}

// NewLog wraps backend under namespace. clock defaults to time.Now, newID
// defaults to uuid.NewString, event expiry to DefaultEventExpiry.
func NewLog(backend kv.KV, namespace string, clock func() time.Time, subscriber Subscriber) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{
		kv:         backend,
		namespace:  namespace,
		clock:      clock,
		newID:      uuid.NewString,
		subscriber: subscriber,
		expiry:     DefaultEventExpiry,
	}
}

// SetExpiry overrides how long appended Events stay relay-eligible.
func (l *Log) SetExpiry(d time.Duration) {
	if d > 0 {
		l.expiry = d
	}
}

func (l *Log) eventKey(id string) string {
	return kv.Namespace(l.namespace, "outbox_event", id)
}

func (l *Log) indexKey(executionID string) string {
	return kv.Namespace(l.namespace, "outbox_index", executionID)
}

// Append persists a new pending Event for executionID: the event row and
// its FIFO index entry are two separate KV writes, with no transaction
// around them. Callers that also write business state in the same
// logical operation should call Append immediately after that write
// succeeds — never inside a checkpoint.SaveStateWithOCC mutate closure,
// since a version conflict would replay the append.
func (l *Log) Append(ctx context.Context, executionID string, typ EventType, payload map[string]any) (Event, error) {
	now := l.clock()
	ev := Event{
		ID:          l.newID(),
		ExecutionID: executionID,
		Type:        typ,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(l.expiry),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	if err := l.kv.Set(ctx, l.eventKey(ev.ID), raw); err != nil {
		return Event{}, err
	}
	if err := l.kv.ZAdd(ctx, l.indexKey(executionID), ev.ID, float64(now.UnixNano())); err != nil {
		return Event{}, err
	}
	if l.subscriber != nil {
		l.subscriber.Publish(ctx, ev)
	}
	return ev, nil
}

func (l *Log) load(ctx context.Context, id string) (*Event, error) {
	raw, err := l.kv.Get(ctx, l.eventKey(id))
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (l *Log) save(ctx context.Context, ev *Event) error {
	ev.UpdatedAt = l.clock()
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, l.eventKey(ev.ID), raw)
}

// Relay drains pending Events FIFO and projects them.
type Relay struct {
	log       *Log
	projector Projector
	batchSize int64
}

// NewRelay builds a Relay over log, projecting each pulled Event through
// projector. batchSize defaults to 10 when <= 0.
func NewRelay(log *Log, projector Projector, batchSize int64) *Relay {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Relay{log: log, projector: projector, batchSize: batchSize}
}

// Tick pulls up to batchSize pending (and not already exhausted) Events
// for executionID, FIFO by creation order, marks each processing, and
// projects it: success marks processed, failure reverts to pending until
// Attempts reaches MaxAttempts, at which point the Event is marked failed
// and Tick moves on to the next one rather than blocking the queue.
// Settled events are dropped from the FIFO index so they never crowd a
// later tick's window; the event rows themselves stay until expiry.
func (r *Relay) Tick(ctx context.Context, executionID string) (processed, failed int, err error) {
	ids, err := r.log.kv.ZRange(ctx, r.log.indexKey(executionID), 0, r.batchSize-1)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		ev, err := r.log.load(ctx, id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				if err := r.dropFromIndex(ctx, executionID, id); err != nil {
					return processed, failed, err
				}
				continue
			}
			return processed, failed, err
		}
		if ev.Status == StatusProcessed || ev.Status == StatusFailed {
			if err := r.dropFromIndex(ctx, executionID, id); err != nil {
				return processed, failed, err
			}
			continue
		}
		if !ev.ExpiresAt.IsZero() && r.log.clock().After(ev.ExpiresAt) {
			ev.Status = StatusFailed
			if err := r.log.save(ctx, ev); err != nil {
				return processed, failed, err
			}
			if err := r.dropFromIndex(ctx, executionID, id); err != nil {
				return processed, failed, err
			}
			continue
		}
		if ev.Status != StatusPending {
			continue
		}
		ev.Status = StatusProcessing
		if err := r.log.save(ctx, ev); err != nil {
			return processed, failed, err
		}

		projErr := r.projector.Project(ctx, *ev)
		if projErr == nil {
			ev.Status = StatusProcessed
			processed++
		} else {
			ev.Attempts++
			if ev.Attempts >= MaxAttempts {
				ev.Status = StatusFailed
				failed++
			} else {
				ev.Status = StatusPending
			}
		}
		if err := r.log.save(ctx, ev); err != nil {
			return processed, failed, err
		}
		if ev.Status == StatusProcessed || ev.Status == StatusFailed {
			if err := r.dropFromIndex(ctx, executionID, ev.ID); err != nil {
				return processed, failed, err
			}
		}
	}
	return processed, failed, nil
}

// dropFromIndex removes one settled event id from the per-execution FIFO
// index. A missing rank means another relay already dropped it.
func (r *Relay) dropFromIndex(ctx context.Context, executionID, id string) error {
	key := r.log.indexKey(executionID)
	rank, err := r.log.kv.ZRank(ctx, key, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.log.kv.ZRemRangeByRank(ctx, key, rank, rank)
}
