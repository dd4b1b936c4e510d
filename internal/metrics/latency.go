// Package metrics collects per-run operation statistics and exports them to Prometheus.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/rollupsim/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 10000

// Settlement and finality bucket bounds, in milliseconds.
var latencyBounds = []float64{1000, 5000, 30000, 120000}

var latencyLabels = []string{"0-1s", "1-5s", "5-30s", "30s-2m", "2m+"}

// LatencyStats estimates latency percentiles from a bounded reservoir
// (Vitter's Algorithm R). Safe for concurrent use.
type LatencyStats struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir []float64
	size      int
	buckets   []int64

	// xorshift64* state, per instance
	rng uint64
}

// NewLatencyStats creates an empty LatencyStats.
func NewLatencyStats() *LatencyStats {
	return newLatencyStats(DefaultReservoirSize)
}

func newLatencyStats(size int) *LatencyStats {
	return &LatencyStats{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, min(size, 1024)),
		size:      size,
		buckets:   make([]int64, len(latencyLabels)),
		rng:       1,
	}
}

// Add records one latency sample.
func (s *LatencyStats) Add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += ms
	s.min = math.Min(s.min, ms)
	s.max = math.Max(s.max, ms)
	s.buckets[bucketIndex(ms)]++

	if len(s.reservoir) < s.size {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.next() % uint64(s.count); j < uint64(s.size) {
		s.reservoir[j] = ms
	}
}

func bucketIndex(ms float64) int {
	for i, bound := range latencyBounds {
		if ms < bound {
			return i
		}
	}
	return len(latencyBounds)
}

func (s *LatencyStats) next() uint64 {
	s.rng ^= s.rng >> 12
	s.rng ^= s.rng << 25
	s.rng ^= s.rng >> 27
	return s.rng * 0x2545F4914F6CDD1D
}

// Stats returns the current statistics, or nil when nothing was recorded.
func (s *LatencyStats) Stats() *types.LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	out := &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P90:     percentile(sorted, 0.90),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Buckets: make([]types.LatencyBucket, len(latencyLabels)),
	}
	for i, label := range latencyLabels {
		out.Buckets[i] = types.LatencyBucket{Label: label, Count: int(s.buckets[i])}
	}
	return out
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (s *LatencyStats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
