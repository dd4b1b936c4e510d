package funding

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rollup/rolluptest"
	"github.com/gateway-fm/rollupsim/internal/rpc/rpctest"
	"github.com/gateway-fm/rollupsim/internal/wallet"
)

var testContract = common.HexToAddress("0xc0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0")

const testFee = 10

type testEnv struct {
	chain    *rpctest.Chain
	provider *rolluptest.Provider
	factory  *wallet.Factory
	funder   *wallet.Wallet
	assurer  *Assurer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	chain := rpctest.NewChain(33, 1)
	provider := rolluptest.NewProvider(testFee)
	rolluptest.Connect(chain, provider, testContract)

	f, err := wallet.NewFactory(context.Background(), wallet.Config{
		L1:           chain,
		Rollup:       provider,
		ChainID:      big.NewInt(33),
		UseLegacy:    true,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	env := &testEnv{chain: chain, provider: provider, factory: f}
	env.funder = env.wallet(t)
	env.assurer = New(Config{Funder: env.funder})
	return env
}

func (e *testEnv) wallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	w, err := e.factory.Bind(context.Background(), account.NewAccount(0, key))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return w
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type fakeSender struct{ addr common.Address }

func (s *fakeSender) Address() common.Address { return s.addr }

func (s *fakeSender) Nonce(context.Context, operation.Layer) (uint64, error) { return 0, nil }

func (s *fakeSender) Submit(context.Context, *operation.Operation) (rollup.Handle, error) {
	return nil, errors.New("not implemented")
}

func TestAggregate(t *testing.T) {
	a := &fakeSender{addr: common.HexToAddress("0x0a")}
	b := &fakeSender{addr: common.HexToAddress("0x0b")}
	ops := []*operation.Operation{
		{Sender: a, Amount: big.NewInt(100), Fee: big.NewInt(1), Payload: &operation.Transfer{To: b.addr}},
		{Sender: b, Amount: big.NewInt(50), Fee: big.NewInt(1), Payload: &operation.Transfer{To: a.addr}},
		{Sender: a, Amount: big.NewInt(10), Fee: big.NewInt(1), Payload: &operation.Withdraw{To: a.addr}},
		{Sender: a, Amount: big.NewInt(7), Payload: &operation.Deposit{To: b.addr}},
	}

	reqs := Aggregate(ops)
	if reqs.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reqs.Len())
	}
	if got := reqs.Get(a.addr, operation.L2); got.Amount.Int64() != 112 || got.Ops != 2 {
		t.Errorf("a/L2 = %s (%d ops), want 112 (2 ops)", got.Amount, got.Ops)
	}
	if got := reqs.Get(a.addr, operation.L1); got.Amount.Int64() != 7 {
		t.Errorf("a/L1 = %s, want 7", got.Amount)
	}
	if got := reqs.Get(b.addr, operation.L2); got.Amount.Int64() != 51 {
		t.Errorf("b/L2 = %s, want 51", got.Amount)
	}

	reqs.AddPerSender(operation.L2, big.NewInt(1000))
	sum := new(big.Int)
	for _, r := range reqs.List() {
		sum.Add(sum, r.Amount)
	}
	if sum.Cmp(reqs.Total()) != 0 {
		t.Errorf("sum of requirements %s != total %s", sum, reqs.Total())
	}
	if reqs.Total().Int64() != 112+7+51+2000 {
		t.Errorf("Total = %s", reqs.Total())
	}
	if reqs.List()[0].Sender != a {
		t.Error("requirements not in first-seen order")
	}

	reqs.AddPerOp(operation.L1, big.NewInt(3))
	if got := reqs.Get(a.addr, operation.L1); got.Amount.Int64() != 10 {
		t.Errorf("a/L1 after AddPerOp = %s, want 10", got.Amount)
	}
	if reqs.Total().Int64() != 112+10+51+2000 {
		t.Errorf("Total after AddPerOp = %s", reqs.Total())
	}
}

func TestEnsureL1Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.SetBalance(env.funder.Address(), ether(10))
	w := env.wallet(t)
	env.chain.SetBalance(w.Address(), big.NewInt(400))

	funded, err := env.assurer.EnsureL1(ctx, w, big.NewInt(1000))
	if err != nil || !funded {
		t.Fatalf("EnsureL1 = %v, %v", funded, err)
	}
	want := int64(1000 + rpctest.DefaultGasLimit)
	if got := env.chain.Balance(w.Address()); got.Int64() != want {
		t.Errorf("balance = %s, want %d", got, want)
	}

	funded, err = env.assurer.EnsureL1(ctx, w, big.NewInt(1000))
	if err != nil || funded {
		t.Fatalf("second EnsureL1 = %v, %v; want no-op", funded, err)
	}
	if n := len(env.chain.Sent()); n != 1 {
		t.Errorf("funding transactions = %d, want 1", n)
	}
}

func TestEnsureL1InsufficientFunder(t *testing.T) {
	env := newTestEnv(t)
	env.chain.SetBalance(env.funder.Address(), big.NewInt(10))
	w := env.wallet(t)

	_, err := env.assurer.EnsureL1(context.Background(), w, big.NewInt(100))
	var insufficient *InsufficientFunderFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFunderFundsError, got %v", err)
	}
	if insufficient.Available.Int64() != 10 {
		t.Errorf("Available = %s, want 10", insufficient.Available)
	}
	if insufficient.Required.Int64() != 100+rpctest.DefaultGasLimit {
		t.Errorf("Required = %s", insufficient.Required)
	}
	if len(env.chain.Sent()) != 0 {
		t.Error("funding transaction sent despite insufficient funds")
	}
}

func TestCheckFunder(t *testing.T) {
	env := newTestEnv(t)
	env.chain.SetBalance(env.funder.Address(), big.NewInt(6))
	env.provider.SetBalance(env.funder.Address(), big.NewInt(4))

	err := env.assurer.CheckFunder(context.Background(), big.NewInt(100))
	var insufficient *InsufficientFunderFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFunderFundsError, got %v", err)
	}
	if insufficient.Required.Int64() != 100 || insufficient.Available.Int64() != 10 {
		t.Errorf("required/available = %s/%s", insufficient.Required, insufficient.Available)
	}
	if err := env.assurer.CheckFunder(context.Background(), big.NewInt(10)); err != nil {
		t.Errorf("CheckFunder(10) = %v", err)
	}
}

func TestEnsureL2ViaDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.SetBalance(env.funder.Address(), ether(10))
	w := env.wallet(t)

	funded, err := env.assurer.EnsureL2(ctx, w, big.NewInt(5000))
	if err != nil || !funded {
		t.Fatalf("EnsureL2 = %v, %v", funded, err)
	}
	if got := env.provider.Balance(w.Address()); got.Int64() != 5000 {
		t.Errorf("L2 balance = %s, want 5000", got)
	}
	if len(env.provider.Submitted()) != 0 {
		t.Error("inactive funder should deposit, not transfer")
	}

	if funded, _ := env.assurer.EnsureL2(ctx, w, big.NewInt(5000)); funded {
		t.Error("second EnsureL2 should be a no-op")
	}
}

func TestEnsureL2ViaTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.Activate(env.funder.Address(), big.NewInt(100_000))
	w := env.wallet(t)
	env.provider.SetBalance(w.Address(), big.NewInt(1000))

	if _, err := env.assurer.EnsureL2(ctx, w, big.NewInt(5000)); err != nil {
		t.Fatalf("EnsureL2: %v", err)
	}
	if got := env.provider.Balance(w.Address()); got.Int64() != 5000 {
		t.Errorf("L2 balance = %s, want 5000", got)
	}
	if n := len(env.provider.Submitted()); n != 1 {
		t.Errorf("submitted = %d, want 1 transfer", n)
	}
	if len(env.chain.Sent()) != 0 {
		t.Error("active funder should not deposit")
	}
}

func TestEnsureL2InsufficientFunder(t *testing.T) {
	env := newTestEnv(t)
	w := env.wallet(t)
	_, err := env.assurer.EnsureL2(context.Background(), w, big.NewInt(5000))
	var insufficient *InsufficientFunderFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFunderFundsError, got %v", err)
	}
}

func TestEnsureActivated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.SetBalance(env.funder.Address(), ether(10))
	w := env.wallet(t)

	activated, err := env.assurer.EnsureActivated(ctx, w)
	if err != nil || !activated {
		t.Fatalf("EnsureActivated = %v, %v", activated, err)
	}
	if active, _ := w.IsActive(ctx); !active {
		t.Error("account not active")
	}
	// 2x fee deposited, 1x fee paid.
	if got := env.provider.Balance(w.Address()); got.Int64() != testFee {
		t.Errorf("L2 balance = %s, want %d", got, testFee)
	}

	activated, err = env.assurer.EnsureActivated(ctx, w)
	if err != nil || activated {
		t.Errorf("second EnsureActivated = %v, %v; want no-op", activated, err)
	}
}

func TestFundAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.SetBalance(env.funder.Address(), ether(10))
	a, b := env.wallet(t), env.wallet(t)

	reqs := NewRequirements()
	reqs.Add(env.funder, operation.L2, big.NewInt(300), 1)
	reqs.Add(a, operation.L2, big.NewInt(1000), 2)
	reqs.Add(b, operation.L1, big.NewInt(2000), 1)

	if err := env.assurer.FundAll(ctx, reqs); err != nil {
		t.Fatalf("FundAll: %v", err)
	}
	if got := env.provider.Balance(env.funder.Address()); got.Int64() != 300 {
		t.Errorf("funder L2 = %s, want 300", got)
	}
	if got := env.provider.Balance(a.Address()); got.Int64() < 1000 {
		t.Errorf("a L2 = %s, want >= 1000", got)
	}
	if got := env.chain.Balance(b.Address()); got.Int64() < 2000 {
		t.Errorf("b L1 = %s, want >= 2000", got)
	}
}

func TestDevFaucet(t *testing.T) {
	chain := rpctest.NewChain(33, 1)
	faucet := NewDevFaucet(chain, time.Millisecond, nil)
	target := common.HexToAddress("0x7a")
	ctx := context.Background()

	if _, err := faucet.FundIfEmpty(ctx, target); !errors.Is(err, ErrNoDevAccounts) {
		t.Fatalf("expected ErrNoDevAccounts, got %v", err)
	}

	chain.Unlock(common.HexToAddress("0xd0"), new(big.Int))
	chain.Unlock(common.HexToAddress("0xd1"), ether(100))

	funded, err := faucet.FundIfEmpty(ctx, target)
	if err != nil || !funded {
		t.Fatalf("FundIfEmpty = %v, %v", funded, err)
	}
	want := new(big.Int).Sub(ether(100), big.NewInt(rpctest.DefaultGasLimit))
	if got := chain.Balance(target); got.Cmp(want) != 0 {
		t.Errorf("target balance = %s, want %s", got, want)
	}

	funded, err = faucet.FundIfEmpty(ctx, target)
	if err != nil || funded {
		t.Errorf("second FundIfEmpty = %v, %v; want no-op", funded, err)
	}
	if chain.DevSends() != 1 {
		t.Errorf("dev sends = %d, want 1", chain.DevSends())
	}
}
