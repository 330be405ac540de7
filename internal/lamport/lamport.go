// Package lamport implements the logical clock attached to every
// published event for cross-service ordering: a counter that ticks on
// local emission and advances to max(local, received)+1 on receive,
// compared lexicographically as (counter, serviceID).
package lamport

import "sync"

// Timestamp is one logical clock reading.
type Timestamp struct {
	Counter   int64  `json:"counter"`
	ServiceID string `json:"service_id"`
}

// Ordering is the result of comparing two Timestamps.
type Ordering int

const (
	Before Ordering = iota
	After
	Concurrent
)

// Compare orders a and b by (Counter, ServiceID) lexicographically.
// Equal counters with different ServiceIDs are Concurrent: neither event
// could have causally preceded the other, so no order is defined.
func Compare(a, b Timestamp) Ordering {
	switch {
	case a.Counter < b.Counter:
		return Before
	case a.Counter > b.Counter:
		return After
	case a.ServiceID == b.ServiceID:
		return Before // identical readings; treat as non-strict, caller breaks ties itself
	default:
		return Concurrent
	}
}

// Clock is one service's logical clock.
type Clock struct {
	mu        sync.Mutex
	serviceID string
	counter   int64
}

// NewClock creates a Clock for serviceID starting at counter 0.
func NewClock(serviceID string) *Clock {
	return &Clock{serviceID: serviceID}
}

// Tick advances the clock for a local emission and returns the new reading.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Timestamp{Counter: c.counter, ServiceID: c.serviceID}
}

// Observe advances the clock on receipt of a remote Timestamp, following
// the standard Lamport rule max(local, received)+1, and returns the new
// reading.
func (c *Clock) Observe(received Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received.Counter > c.counter {
		c.counter = received.Counter
	}
	c.counter++
	return Timestamp{Counter: c.counter, ServiceID: c.serviceID}
}
