package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of latency samples and computes
// percentiles over it.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// Drop the oldest tenth in one shift instead of one sample at a time.
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = lt.samples[drop:]
	}
	lt.samples = append(lt.samples, d.Microseconds())
}

// LatencyStats summarizes a sample window in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := len(lt.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, n)
	copy(sorted, lt.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}

	pct := func(p float64) float64 {
		idx := int(float64(n-1) * p)
		return float64(sorted[idx]) / 1000
	}

	return LatencyStats{
		Count: int64(n),
		MinMs: float64(sorted[0]) / 1000,
		MaxMs: float64(sorted[n-1]) / 1000,
		AvgMs: float64(sum/int64(n)) / 1000,
		P50Ms: pct(0.50),
		P95Ms: pct(0.95),
		P99Ms: pct(0.99),
	}
}

// LatencyRegistry tracks latencies per route.
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(windowSize int) *LatencyRegistry {
	return &LatencyRegistry{
		trackers: make(map[string]*LatencyTracker),
		window:   windowSize,
	}
}

func (r *LatencyRegistry) Record(route string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[route]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[route]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[route] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

func (r *LatencyRegistry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]LatencyStats, len(r.trackers))
	for route, tracker := range r.trackers {
		result[route] = tracker.Stats()
	}
	return result
}

var (
	globalLatency     *LatencyRegistry
	globalLatencyOnce sync.Once
)

func latencyRegistry() *LatencyRegistry {
	globalLatencyOnce.Do(func() {
		globalLatency = NewLatencyRegistry(1000)
	})
	return globalLatency
}

// RecordLatency records a request latency in the process-wide registry.
func RecordLatency(route string, d time.Duration) {
	latencyRegistry().Record(route, d)
}

// GetAllLatencyStats snapshots every tracked route.
func GetAllLatencyStats() map[string]LatencyStats {
	return latencyRegistry().AllStats()
}
