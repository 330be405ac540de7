package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_RecordersDoNotPanicAndRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RecordStepLatency("exec-1", "book_ride", 120*time.Millisecond, "success")
	m.IncrementRetries("exec-1", "book_ride", "timeout")
	m.IncrementCheckpointRebases("exec-1")
	m.IncrementCompensations("exec-1", "compensated")
	m.IncrementBackpressure("outbox_relay", "queue_full")
	m.SetQueueDepth(3)
	m.SetInflightSteps(2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}

	found := false
	for _, fam := range families {
		if fam.GetName() == "intentsaga_queue_depth" {
			found = true
			if got := fam.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("expected queue_depth 3, got %v", got)
			}
		}
	}
	if !found {
		t.Error("expected intentsaga_queue_depth metric to be registered")
	}
}
