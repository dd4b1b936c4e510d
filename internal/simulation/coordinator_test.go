package simulation

import (
	"context"
	"errors"
	"math/big"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/funding"
	"github.com/gateway-fm/rollupsim/internal/network"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rollup/rolluptest"
	"github.com/gateway-fm/rollupsim/internal/rpc/rpctest"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

var testContract = common.HexToAddress("0xc0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0")

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type testEnv struct {
	chain    *rpctest.Chain
	provider *rolluptest.Provider
	funder   common.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	chain := rpctest.NewChain(33, 1)
	provider := rolluptest.NewProvider(10)
	rolluptest.Connect(chain, provider, testContract)

	d, err := account.NewDeriver(network.DevMnemonic, network.Regtest())
	if err != nil {
		t.Fatal(err)
	}
	funder, err := d.Derive(0)
	if err != nil {
		t.Fatal(err)
	}
	chain.SetBalance(funder.Address, ether(10))
	return &testEnv{chain: chain, provider: provider, funder: funder.Address}
}

// testConfig submits 6 operations at 16 per second.
func testConfig(scenario types.Scenario) *config.Config {
	cfg := config.Default()
	cfg.Scenario = scenario
	cfg.TransactionsPerSecond = 16
	cfg.TotalRunningTimeSeconds = 0.375
	cfg.NumberOfAccounts = 5
	cfg.PollInterval = time.Millisecond
	cfg.Concurrency = 10
	cfg.ResolveTimeout = 10 * time.Second
	return cfg
}

func (e *testEnv) coordinator(cfg *config.Config) *Coordinator {
	return New(cfg, Dependencies{
		L1:     e.chain,
		Rollup: e.provider,
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})
}

func TestRunDeposit(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig(types.ScenarioDeposit)
	c := env.coordinator(cfg)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.State() != types.StateDone {
		t.Errorf("state = %s, want done", c.State())
	}

	s := report.Summary
	if s.TxCount != 6 || s.Succeeded != 6 || s.Failed != 0 {
		t.Errorf("summary = %d ops, %d succeeded, %d failed; want 6/6/0", s.TxCount, s.Succeeded, s.Failed)
	}
	if len(report.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(report.Results))
	}

	limits := cfg.AmountLimits.Deposit
	credited := new(big.Int)
	for i, res := range report.Results {
		if res.Index != i {
			t.Errorf("result %d has index %d", i, res.Index)
		}
		if res.Kind != operation.KindDeposit || res.Sender != env.funder {
			t.Errorf("result %d = %s from %s", i, res.Kind, res.Sender.Hex())
		}
		if res.Amount.Cmp(limits.Min) < 0 || res.Amount.Cmp(limits.Max) >= 0 {
			t.Errorf("result %d amount %s outside [%s, %s)", i, res.Amount, limits.Min, limits.Max)
		}
		if res.Finality == nil {
			t.Errorf("result %d was not awaited to finality", i)
		}
		credited.Add(credited, res.Amount)
	}

	sent := env.chain.Sent()
	if len(sent) != 6 {
		t.Fatalf("L1 transactions = %d, want 6", len(sent))
	}
	for i, tx := range sent {
		if tx.Nonce() != uint64(i) {
			t.Errorf("tx %d nonce = %d", i, tx.Nonce())
		}
		if tx.Gas() != 200000 {
			t.Errorf("tx %d gas = %d, want 200000", i, tx.Gas())
		}
	}

	onL2 := new(big.Int)
	seen := make(map[common.Address]bool)
	for _, tx := range sent {
		to := common.BytesToAddress(tx.Data()[4:])
		if !seen[to] {
			seen[to] = true
			onL2.Add(onL2, env.provider.Balance(to))
		}
	}
	if onL2.Cmp(credited) != 0 {
		t.Errorf("credited on L2 = %s, want %s", onL2, credited)
	}

	st := c.Status()
	if st.Submitted != 6 || st.Resolved != 6 || st.InFlight != 0 {
		t.Errorf("status counters = %d/%d/%d", st.Submitted, st.Resolved, st.InFlight)
	}
	if st.Accounts != 4 || st.Funder != env.funder.Hex() || st.Network != "regtest" {
		t.Errorf("status = %+v", st)
	}
	if c.Summary() == nil {
		t.Error("Summary() = nil after a completed run")
	}
}

func TestRunTransfer(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig(types.ScenarioTransfer)
	cfg.NumberOfAccounts = 3
	c := env.coordinator(cfg)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (reasons %v)", report.Summary.Succeeded, report.Summary.FailureReasons)
	}

	var activations, transfers int
	for _, tx := range env.provider.Submitted() {
		switch tx.(type) {
		case *rollup.ChangePubKeyTx:
			activations++
		case *rollup.TransferTx:
			transfers++
		}
	}
	// The funder and all three participants are activated before the run.
	if activations != 4 {
		t.Errorf("activations = %d, want 4", activations)
	}
	if transfers < 6 {
		t.Errorf("transfers = %d, want at least 6", transfers)
	}
	for _, res := range report.Results {
		if res.Sender == env.funder {
			t.Errorf("funder sent a scenario transfer")
		}
	}
}

// participantAddrs returns the addresses derived for the first n participants.
func participantAddrs(t *testing.T, n int) map[common.Address]bool {
	t.Helper()
	d, err := account.NewDeriver(network.DevMnemonic, network.Regtest())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[common.Address]bool, n)
	for i := 1; i <= n; i++ {
		acc, err := d.Derive(uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		out[acc.Address] = true
	}
	return out
}

type memCache struct {
	mu     sync.Mutex
	marked map[common.Address]int64
}

var _ account.ActivationCache = (*memCache)(nil)

func (c *memCache) IsActivated(_ context.Context, chainID int64, addr common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.marked[addr]
	return ok && id == chainID, nil
}

func (c *memCache) MarkActivated(_ context.Context, chainID int64, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.marked == nil {
		c.marked = make(map[common.Address]int64)
	}
	c.marked[addr] = chainID
	return nil
}

func TestRunWithdraw(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(testConfig(types.ScenarioWithdraw))

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (reasons %v)", report.Summary.Succeeded, report.Summary.FailureReasons)
	}

	pool := participantAddrs(t, 4)
	withdrawers := make(map[common.Address]bool)
	for i, res := range report.Results {
		if res.Kind != operation.KindWithdraw || !pool[res.Sender] {
			t.Errorf("result %d = %s from %s", i, res.Kind, res.Sender.Hex())
		}
		if res.Finality != nil {
			t.Errorf("result %d awaited finality the policy does not ask for", i)
		}
		withdrawers[res.Sender] = true
	}
	for _, tx := range env.provider.Submitted() {
		if w, ok := tx.(*rollup.WithdrawTx); ok && w.To != w.From {
			t.Errorf("withdrawal from %s goes to %s", w.From.Hex(), w.To.Hex())
		}
	}
	// Every withdrawing account keeps the gas allowance it was funded with.
	for addr := range withdrawers {
		if bal := env.provider.Balance(addr); bal.Cmp(WithdrawGasAllowance) < 0 {
			t.Errorf("%s left with %s, want at least %s", addr.Hex(), bal, WithdrawGasAllowance)
		}
	}
}

func TestRunTransferToNew(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig(types.ScenarioTransferToNew)
	c := env.coordinator(cfg)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (reasons %v)", report.Summary.Succeeded, report.Summary.FailureReasons)
	}

	sent := new(big.Int)
	for i, res := range report.Results {
		if res.Kind != operation.KindTransfer || res.Sender != env.funder {
			t.Errorf("result %d = %s from %s", i, res.Kind, res.Sender.Hex())
		}
		limits := cfg.AmountLimits.TransferToNew
		if res.Amount.Cmp(limits.Min) < 0 || res.Amount.Cmp(limits.Max) >= 0 {
			t.Errorf("result %d amount %s outside [%s, %s)", i, res.Amount, limits.Min, limits.Max)
		}
		sent.Add(sent, res.Amount)
	}

	pool := participantAddrs(t, 4)
	var activations int
	for _, tx := range env.provider.Submitted() {
		switch tx := tx.(type) {
		case *rollup.ChangePubKeyTx:
			activations++
		case *rollup.TransferTx:
			if tx.From != env.funder || !pool[tx.To] {
				t.Errorf("transfer %s -> %s", tx.From.Hex(), tx.To.Hex())
			}
		}
	}
	if activations != 1 {
		t.Errorf("activations = %d, want only the funder's", activations)
	}
	received := new(big.Int)
	for addr := range pool {
		received.Add(received, env.provider.Balance(addr))
	}
	if received.Cmp(sent) != 0 {
		t.Errorf("participants received %s, want %s", received, sent)
	}
}

func TestRunChangePubKey(t *testing.T) {
	env := newTestEnv(t)
	cache := &memCache{}
	c := New(testConfig(types.ScenarioChangePubKey), Dependencies{
		L1:     env.chain,
		Rollup: env.provider,
		Cache:  cache,
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (reasons %v)", report.Summary.Succeeded, report.Summary.FailureReasons)
	}

	pool := participantAddrs(t, 6)
	seen := make(map[common.Address]bool)
	for i, res := range report.Results {
		if res.Kind != operation.KindChangePubKey || !pool[res.Sender] {
			t.Errorf("result %d = %s from %s", i, res.Kind, res.Sender.Hex())
		}
		if seen[res.Sender] {
			t.Errorf("%s activated twice", res.Sender.Hex())
		}
		seen[res.Sender] = true
	}

	for addr := range pool {
		if ok, _ := cache.IsActivated(context.Background(), 33, addr); !ok {
			t.Errorf("%s not cached after activation", addr.Hex())
		}
	}
}

func TestRunAll(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(testConfig(types.ScenarioAll))

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 (reasons %v)", report.Summary.Succeeded, report.Summary.FailureReasons)
	}

	// floor(16 * 0.1875) = 3 deposits in the first half, then 3 transfers.
	want := []operation.Kind{
		operation.KindDeposit, operation.KindDeposit, operation.KindDeposit,
		operation.KindTransfer, operation.KindTransfer, operation.KindTransfer,
	}
	for i, res := range report.Results {
		if res.Kind != want[i] {
			t.Errorf("result %d kind = %s, want %s", i, res.Kind, want[i])
		}
		if res.Sender != env.funder {
			t.Errorf("result %d sent by %s, want the funder", i, res.Sender.Hex())
		}
	}
	submitted := make(map[string]int)
	for _, k := range report.Summary.Kinds {
		submitted[k.Kind] = k.Submitted
	}
	if submitted[operation.KindDeposit.String()] != 3 || submitted[operation.KindTransfer.String()] != 3 {
		t.Errorf("submitted per kind = %v, want 3 deposits and 3 transfers", submitted)
	}
}

func TestRunInsufficientFunder(t *testing.T) {
	env := newTestEnv(t)
	env.chain.SetBalance(env.funder, big.NewInt(1000))
	c := env.coordinator(testConfig(types.ScenarioDeposit))

	report, err := c.Run(context.Background())
	if report != nil {
		t.Error("report returned for a failed run")
	}
	var insufficient *funding.InsufficientFunderFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFunderFundsError", err)
	}
	if insufficient.Account != env.funder {
		t.Errorf("error names %s, want the funder", insufficient.Account.Hex())
	}
	if c.State() != types.StateFailed {
		t.Errorf("state = %s, want failed", c.State())
	}
	if st := c.Status(); st.Error == "" || st.Submitted != 0 {
		t.Errorf("status = %+v", st)
	}
	if n := len(env.chain.Sent()); n != 0 {
		t.Errorf("L1 transactions = %d, want 0", n)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		chain int64
		edit  func(*config.Config)
	}{
		{"zero rate", 33, func(c *config.Config) { c.TransactionsPerSecond = 0 }},
		{"unknown scenario", 33, func(c *config.Config) { c.Scenario = "mint" }},
		{"chain mismatch", 31, func(*config.Config) {}},
		{"funder among participants", 33, func(c *config.Config) { c.FunderIndex = 2 }},
		{"transfer with one account", 33, func(c *config.Config) {
			c.Scenario = types.ScenarioTransfer
			c.NumberOfAccounts = 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			cfg := testConfig(types.ScenarioDeposit)
			tt.edit(cfg)
			chain := env.chain
			if tt.chain != 33 {
				chain = rpctest.NewChain(tt.chain, 1)
			}
			c := New(cfg, Dependencies{L1: chain, Rollup: env.provider})

			_, err := c.Run(context.Background())
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if c.State() != types.StateFailed {
				t.Errorf("state = %s, want failed", c.State())
			}
			if len(chain.Sent()) != 0 || chain.DevSends() != 0 {
				t.Errorf("sent %d L1 and %d dev transactions before rejecting the config", len(chain.Sent()), chain.DevSends())
			}
			if n := len(env.provider.Submitted()); n != 0 {
				t.Errorf("submitted %d L2 transactions before rejecting the config", n)
			}
		})
	}
}

func TestRunAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(testConfig(types.ScenarioDeposit))
	c.running.Store(true)

	if _, err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if c.State() != types.StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestRunTransitions(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(testConfig(types.ScenarioDeposit))

	var (
		mu     sync.Mutex
		states []types.State
	)
	unsubscribe := c.Subscribe(func(st types.Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []types.State{
		types.StateConfiguring,
		types.StateDeriving,
		types.StateFunding,
		types.StatePreparing,
		types.StateExecuting,
		types.StateResolving,
		types.StateDone,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.State
		want     bool
	}{
		{types.StateIdle, types.StateConfiguring, true},
		{types.StateConfiguring, types.StateFunding, false},
		{types.StateExecuting, types.StateResolving, true},
		{types.StateResolving, types.StateDone, true},
		{types.StateDeriving, types.StateFailed, true},
		{types.StateDone, types.StateFailed, false},
		{types.StateFailed, types.StateConfiguring, false},
		{types.StateFunding, types.StateDeriving, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNewPlan(t *testing.T) {
	tests := []struct {
		scenario     types.Scenario
		participants int
		counts       map[operation.Kind]int
	}{
		{types.ScenarioDeposit, 4, map[operation.Kind]int{operation.KindDeposit: 6}},
		{types.ScenarioTransfer, 5, map[operation.Kind]int{operation.KindTransfer: 6}},
		{types.ScenarioTransferToNew, 4, map[operation.Kind]int{operation.KindTransfer: 6}},
		{types.ScenarioWithdraw, 4, map[operation.Kind]int{operation.KindWithdraw: 6}},
		{types.ScenarioChangePubKey, 6, map[operation.Kind]int{operation.KindChangePubKey: 6}},
		{types.ScenarioAll, 4, map[operation.Kind]int{operation.KindDeposit: 3, operation.KindTransfer: 3}},
	}
	for _, tt := range tests {
		t.Run(string(tt.scenario), func(t *testing.T) {
			p := newPlan(testConfig(tt.scenario))
			if p.participants != tt.participants {
				t.Errorf("participants = %d, want %d", p.participants, tt.participants)
			}
			if p.total() != 6 {
				t.Errorf("total = %d, want 6", p.total())
			}
			for k, n := range tt.counts {
				if p.counts[k] != n {
					t.Errorf("%s = %d, want %d", k, p.counts[k], n)
				}
			}
		})
	}
}
