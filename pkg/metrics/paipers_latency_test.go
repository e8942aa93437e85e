package metrics

import (
	"testing"
	"time"
)

func TestLatencyTrackerStats(t *testing.T) {
	lt := NewLatencyTracker(100)

	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	stats := lt.Stats()
	if stats.Count != 100 {
		t.Fatalf("Count = %d, want 100", stats.Count)
	}
	if stats.MinMs != 1 {
		t.Errorf("MinMs = %v, want 1", stats.MinMs)
	}
	if stats.MaxMs != 100 {
		t.Errorf("MaxMs = %v, want 100", stats.MaxMs)
	}
	if stats.P50Ms < 49 || stats.P50Ms > 51 {
		t.Errorf("P50Ms = %v, want ~50", stats.P50Ms)
	}
	if stats.P99Ms < 98 || stats.P99Ms > 100 {
		t.Errorf("P99Ms = %v, want ~99", stats.P99Ms)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	lt := NewLatencyTracker(10)
	if stats := lt.Stats(); stats.Count != 0 {
		t.Errorf("Count = %d, want 0", stats.Count)
	}
}

func TestLatencyTrackerWindowSlides(t *testing.T) {
	lt := NewLatencyTracker(10)

	for i := 0; i < 25; i++ {
		lt.Record(time.Millisecond)
	}

	stats := lt.Stats()
	if stats.Count > 10 {
		t.Errorf("Count = %d, want at most the window size 10", stats.Count)
	}
}

func TestLatencyRegistryPerRoute(t *testing.T) {
	r := NewLatencyRegistry(100)

	r.Record("GET /documents", 10*time.Millisecond)
	r.Record("GET /documents", 20*time.Millisecond)
	r.Record("POST /gmail/scan", 500*time.Millisecond)

	all := r.AllStats()
	if len(all) != 2 {
		t.Fatalf("AllStats() has %d routes, want 2", len(all))
	}
	if all["GET /documents"].Count != 2 {
		t.Errorf("documents Count = %d, want 2", all["GET /documents"].Count)
	}
	if all["POST /gmail/scan"].MaxMs != 500 {
		t.Errorf("scan MaxMs = %v, want 500", all["POST /gmail/scan"].MaxMs)
	}
}
