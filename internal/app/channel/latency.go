package channel

import (
	"slices"
	"sync"
	"time"
)

// latencyRecorder keeps the most recent samples for percentile estimates.
type latencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
}

func newLatencyRecorder(size int) *latencyRecorder {
	return &latencyRecorder{samples: make([]time.Duration, 0, size)}
}

func (r *latencyRecorder) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
}

func (r *latencyRecorder) percentiles() (p50, p95, p99 time.Duration) {
	r.mu.Lock()
	sorted := slices.Clone(r.samples)
	r.mu.Unlock()
	if len(sorted) == 0 {
		return 0, 0, 0
	}
	slices.Sort(sorted)
	return rank(sorted, 0.50), rank(sorted, 0.95), rank(sorted, 0.99)
}

// rank uses the nearest-rank method.
func rank(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
