package metrics

import (
	"testing"
	"time"
)

func TestMetricsTimer(t *testing.T) {
	m := New()
	m.Timer("foo").Start()
	time.Sleep(time.Millisecond)
	m.Timer("foo").Stop()
	if m.All()["timer_foo_ns"] == int64(0) {
		t.Fatalf("Expected foo timer to be non-zero: %v", m.All())
	}
	m.Clear()

	if len(m.All()) > 0 {
		t.Fatalf("Expected metrics to be cleared, but found %v", m.All())
	}
}

func TestMetricsCounter(t *testing.T) {
	m := New()
	m.Counter("hits").Incr()
	m.Counter("hits").Add(4)
	if got := m.Counter("hits").Value(); got != 5 {
		t.Fatalf("expected counter value 5, got %d", got)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := New()
	h := m.Histogram("fragment_rows")
	for _, v := range []float64{1, 2, 3, 4, 5} {
		h.Observe(v)
	}
	value := h.Value()
	if value["count"] != 5 {
		t.Fatalf("expected count 5, got %v", value["count"])
	}
	if value["max"] != 5.0 {
		t.Fatalf("expected max 5, got %v", value["max"])
	}
}
