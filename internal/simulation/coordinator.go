// Package simulation runs one load simulation end to end: derive accounts,
// make sure they are funded, prepare operations, submit them at the target
// rate and resolve their receipts.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/metrics"
	"github.com/gateway-fm/rollupsim/internal/resolver"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

// ErrAlreadyRunning is returned by Run while another run is in progress.
var ErrAlreadyRunning = errors.New("simulation already running")

// Dependencies are the external services a Coordinator drives.
type Dependencies struct {
	L1     rpc.Client
	Rollup rollup.Provider

	// Cache remembers activated accounts across runs. Optional.
	Cache account.ActivationCache

	// Metrics receives lifecycle events. A collector without Prometheus is created when nil.
	Metrics *metrics.Collector

	// Rand drives amount and recipient selection. Optional.
	Rand *rand.Rand

	Logger *slog.Logger
}

// Report is the outcome of a completed run.
type Report struct {
	Summary types.Summary
	Results []resolver.Result
}

// Coordinator owns the simulation state machine.
type Coordinator struct {
	cfg     *config.Config
	deps    Dependencies
	metrics *metrics.Collector
	logger  *slog.Logger

	running atomic.Bool

	mu      sync.RWMutex
	status  types.Status
	started time.Time
	summary *types.Summary

	subMu  sync.Mutex
	subs   map[int]func(types.Status)
	nextID int
}

// New creates a Coordinator in the Idle state.
func New(cfg *config.Config, deps Dependencies) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		metrics: collector,
		logger:  logger,
		status:  types.Status{State: types.StateIdle, Scenario: cfg.Scenario},
		subs:    make(map[int]func(types.Status)),
	}
}

// State returns the current state.
func (c *Coordinator) State() types.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State
}

// Status returns a snapshot of the coordinator and the current run's counters.
func (c *Coordinator) Status() types.Status {
	c.mu.RLock()
	st := c.status
	started := c.started
	c.mu.RUnlock()

	st.Submitted = c.metrics.Submitted()
	st.Resolved = c.metrics.Resolved()
	st.InFlight = c.metrics.InFlight()
	if !started.IsZero() {
		st.ElapsedMs = time.Since(started).Milliseconds()
	}
	return st
}

// Summary returns the summary of the last completed run, nil before one completes.
func (c *Coordinator) Summary() *types.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.summary == nil {
		return nil
	}
	s := *c.summary
	return &s
}

// Subscribe registers fn to be called with the status after every state
// change. fn must not block. The returned func unregisters it.
func (c *Coordinator) Subscribe(fn func(types.Status)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	st := c.Status()
	c.subMu.Lock()
	fns := make([]func(types.Status), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

var stateOrder = map[types.State]int{
	types.StateIdle:        0,
	types.StateConfiguring: 1,
	types.StateDeriving:    2,
	types.StateFunding:     3,
	types.StatePreparing:   4,
	types.StateExecuting:   5,
	types.StateResolving:   6,
	types.StateDone:        7,
}

// canTransition allows one step forward, or Failed from any live state.
func canTransition(from, to types.State) bool {
	if from.Terminal() {
		return false
	}
	if to == types.StateFailed {
		return true
	}
	return stateOrder[to] == stateOrder[from]+1
}

func (c *Coordinator) transition(to types.State) {
	c.mu.Lock()
	from := c.status.State
	if !canTransition(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("simulation: illegal transition %s -> %s", from, to))
	}
	c.status.State = to
	c.mu.Unlock()

	c.metrics.SetState(to)
	c.logger.Info("simulation state", slog.String("from", string(from)), slog.String("to", string(to)))
	c.notify()
}

func (c *Coordinator) update(fn func(st *types.Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	at := c.status.State
	c.status.Error = err.Error()
	c.mu.Unlock()

	c.transition(types.StateFailed)
	c.logger.Error("simulation failed", slog.String("state", string(at)), slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w", at, err)
}

// Run executes the configured scenario once. It returns ErrAlreadyRunning if
// a run is in progress. Any fatal error moves the coordinator to Failed and
// is returned wrapped with the state it occurred in.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.metrics.Reset()
	c.mu.Lock()
	c.status = types.Status{State: types.StateIdle, Scenario: c.cfg.Scenario}
	c.started = time.Now()
	c.mu.Unlock()
	c.metrics.SetState(types.StateIdle)

	r := &run{c: c, cfg: c.cfg}
	steps := []struct {
		state types.State
		fn    func(context.Context) error
	}{
		{types.StateConfiguring, r.configure},
		{types.StateDeriving, r.derive},
		{types.StateFunding, r.fund},
		{types.StatePreparing, r.prepare},
		{types.StateExecuting, r.execute},
		{types.StateResolving, r.resolve},
	}
	for _, step := range steps {
		c.transition(step.state)
		if err := step.fn(ctx); err != nil {
			return nil, c.fail(err)
		}
	}

	report := r.report()
	c.mu.Lock()
	c.summary = &report.Summary
	c.mu.Unlock()
	c.metrics.SetRates(report.Summary.TargetRate, report.Summary.AchievedRate)
	c.transition(types.StateDone)

	c.logger.Info("simulation complete",
		slog.String("scenario", string(report.Summary.Scenario)),
		slog.Int("operations", report.Summary.TxCount),
		slog.Int("succeeded", report.Summary.Succeeded),
		slog.Int("failed", report.Summary.Failed),
		slog.Float64("achieved_rate", report.Summary.AchievedRate),
	)
	return report, nil
}
