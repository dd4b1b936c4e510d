package metrics

import (
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

type kindStats struct {
	summary    types.KindSummary
	settlement *LatencyStats
	finality   *LatencyStats
}

// Collector aggregates one run's operation lifecycle into a summary and
// forwards every event to Prometheus when configured.
type Collector struct {
	prom *PrometheusMetrics

	mu      sync.Mutex
	kinds   map[operation.Kind]*kindStats
	reasons map[string]int

	submitted atomic.Int64
	resolved  atomic.Int64
	inFlight  atomic.Int64
	fundings  atomic.Int64
}

// NewCollector creates a Collector. prom may be nil.
func NewCollector(prom *PrometheusMetrics) *Collector {
	return &Collector{
		prom:    prom,
		kinds:   make(map[operation.Kind]*kindStats),
		reasons: make(map[string]int),
	}
}

func (c *Collector) kindLocked(k operation.Kind) *kindStats {
	ks, ok := c.kinds[k]
	if !ok {
		ks = &kindStats{
			summary:    types.KindSummary{Kind: k.String()},
			settlement: NewLatencyStats(),
			finality:   NewLatencyStats(),
		}
		c.kinds[k] = ks
	}
	return ks
}

func (c *Collector) setInFlight(v int64) {
	if c.prom != nil {
		c.prom.InFlight.Set(float64(v))
	}
}

// RecordSubmitted counts an accepted submission.
func (c *Collector) RecordSubmitted(kind operation.Kind) {
	c.mu.Lock()
	c.kindLocked(kind).summary.Submitted++
	c.mu.Unlock()

	c.submitted.Add(1)
	c.setInFlight(c.inFlight.Add(1))
	if c.prom != nil {
		c.prom.RecordOperation(StatusSubmitted, kind.String())
	}
}

// RecordSubmitFailed counts a submission that never reached the network.
func (c *Collector) RecordSubmitFailed(kind operation.Kind, reason string) {
	c.mu.Lock()
	c.kindLocked(kind).summary.SubmitFailed++
	c.reasons[reason]++
	c.mu.Unlock()

	c.resolved.Add(1)
	if c.prom != nil {
		c.prom.RecordOperation(StatusSubmitFailed, kind.String())
	}
}

func (c *Collector) settle() {
	c.resolved.Add(1)
	if v := c.inFlight.Add(-1); v >= 0 {
		c.setInFlight(v)
	} else {
		c.inFlight.Store(0)
		c.setInFlight(0)
	}
}

// RecordSettled counts a successful settlement receipt.
func (c *Collector) RecordSettled(kind operation.Kind, latency time.Duration) {
	c.mu.Lock()
	ks := c.kindLocked(kind)
	ks.summary.Settled++
	ks.settlement.Add(latency)
	c.mu.Unlock()

	c.settle()
	if c.prom != nil {
		c.prom.RecordOperation(StatusSettled, kind.String())
		c.prom.RecordSettlementLatency(kind.String(), latency)
	}
}

// RecordRejected counts a failed settlement with the reason the network gave.
func (c *Collector) RecordRejected(kind operation.Kind, reason string) {
	c.mu.Lock()
	c.kindLocked(kind).summary.Failed++
	c.reasons[reason]++
	c.mu.Unlock()

	c.settle()
	if c.prom != nil {
		c.prom.RecordOperation(StatusRejected, kind.String())
	}
}

// RecordFinalized counts a verification receipt.
func (c *Collector) RecordFinalized(kind operation.Kind, latency time.Duration) {
	c.mu.Lock()
	ks := c.kindLocked(kind)
	ks.summary.Finalized++
	ks.finality.Add(latency)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.RecordOperation(StatusFinalized, kind.String())
		c.prom.RecordFinalityLatency(kind.String(), latency)
	}
}

// RecordUnfinalized counts a settled operation whose required verification
// receipt failed or never arrived.
func (c *Collector) RecordUnfinalized(kind operation.Kind, reason string) {
	c.mu.Lock()
	c.kindLocked(kind).summary.Unfinalized++
	c.reasons[reason]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.RecordOperation(StatusUnfinalized, kind.String())
	}
}

// RecordFunding counts a funding transaction.
func (c *Collector) RecordFunding(layer operation.Layer, amount *big.Int) {
	c.fundings.Add(1)
	if c.prom != nil {
		c.prom.RecordFunding(layer.String(), amount)
	}
}

// SetState exports the coordinator state.
func (c *Collector) SetState(state types.State) {
	if c.prom != nil {
		c.prom.SetState(state)
	}
}

// SetRates exports the target and achieved submission rates.
func (c *Collector) SetRates(target, achieved float64) {
	if c.prom != nil {
		c.prom.TargetRate.Set(target)
		c.prom.AchievedRate.Set(achieved)
	}
}

// Submitted returns the number of accepted submissions.
func (c *Collector) Submitted() int { return int(c.submitted.Load()) }

// Resolved returns the number of operations with a final outcome.
func (c *Collector) Resolved() int { return int(c.resolved.Load()) }

// InFlight returns submitted operations still awaiting settlement.
func (c *Collector) InFlight() int64 { return c.inFlight.Load() }

// Fundings returns the number of funding transactions sent.
func (c *Collector) Fundings() int { return int(c.fundings.Load()) }

// Kinds returns per-kind summaries in operation.Kinds order.
func (c *Collector) Kinds() []types.KindSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.KindSummary, 0, len(c.kinds))
	for _, k := range operation.Kinds {
		ks, ok := c.kinds[k]
		if !ok {
			continue
		}
		s := ks.summary
		s.Settlement = ks.settlement.Stats()
		s.Finality = ks.finality.Stats()
		out = append(out, s)
	}
	return out
}

// FailureReasons returns a copy of the failure reason histogram.
func (c *Collector) FailureReasons() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.reasons))
	for r, n := range c.reasons {
		out[r] = n
	}
	return out
}

// TopReasons returns up to n failure reasons, most frequent first.
func (c *Collector) TopReasons(n int) []string {
	reasons := c.FailureReasons()
	out := make([]string, 0, len(reasons))
	for r := range reasons {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if reasons[out[i]] != reasons[out[j]] {
			return reasons[out[i]] > reasons[out[j]]
		}
		return out[i] < out[j]
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Reset clears all per-run state.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.kinds = make(map[operation.Kind]*kindStats)
	c.reasons = make(map[string]int)
	c.mu.Unlock()

	c.submitted.Store(0)
	c.resolved.Store(0)
	c.inFlight.Store(0)
	c.fundings.Store(0)
	if c.prom != nil {
		c.prom.Reset()
	}
}
