package lamport

import "testing"

func TestClock_TickMonotonic(t *testing.T) {
	c := NewClock("svc-a")
	first := c.Tick()
	second := c.Tick()
	if second.Counter <= first.Counter {
		t.Fatalf("expected strictly increasing counters, got %d then %d", first.Counter, second.Counter)
	}
}

func TestClock_ObserveAdvancesPastReceived(t *testing.T) {
	c := NewClock("svc-a")
	c.Tick() // counter = 1

	got := c.Observe(Timestamp{Counter: 10, ServiceID: "svc-b"})
	if got.Counter != 11 {
		t.Errorf("expected counter 11 after observing 10, got %d", got.Counter)
	}

	got = c.Observe(Timestamp{Counter: 2, ServiceID: "svc-b"})
	if got.Counter != 12 {
		t.Errorf("expected local counter to win when received is behind, got %d", got.Counter)
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want Ordering
	}{
		{"before", Timestamp{Counter: 1, ServiceID: "a"}, Timestamp{Counter: 2, ServiceID: "b"}, Before},
		{"after", Timestamp{Counter: 3, ServiceID: "a"}, Timestamp{Counter: 2, ServiceID: "b"}, After},
		{"concurrent", Timestamp{Counter: 2, ServiceID: "a"}, Timestamp{Counter: 2, ServiceID: "b"}, Concurrent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b); got != tc.want {
				t.Errorf("Compare(%+v, %+v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
