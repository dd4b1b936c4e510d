// Package funding makes sure accounts hold what a batch will spend before any
// operation is submitted: L1 top-ups, L2 top-ups, signing key activation,
// funder sufficiency checks and dev-node faucet syphoning.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/internal/wallet"
)

// Wallet is the subset of *wallet.Wallet liquidity assurance drives.
type Wallet interface {
	operation.Sender
	Balance(ctx context.Context, layer operation.Layer) (*big.Int, error)
	GasCost(ctx context.Context) (*big.Int, error)
	SendValue(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error)
	Deposit(ctx context.Context, args wallet.DepositArgs) (rollup.Handle, error)
	Transfer(ctx context.Context, args wallet.TransferArgs) (rollup.Handle, error)
	ChangePubKey(ctx context.Context, args wallet.ChangePubKeyArgs) (rollup.Handle, error)
	IsActive(ctx context.Context) (bool, error)
	TransactionFee(ctx context.Context, kind rollup.FeeKind) (*big.Int, error)
}

var _ Wallet = (*wallet.Wallet)(nil)

// Recorder observes funding activity.
type Recorder interface {
	RecordFunding(layer operation.Layer, amount *big.Int)
}

// Config configures an Assurer.
type Config struct {
	Funder      Wallet
	Concurrency int // parallel top-ups in FundAll (default 10)
	Recorder    Recorder
	Logger      *slog.Logger
}

// Assurer tops accounts up from a single funder.
type Assurer struct {
	funder      Wallet
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

// New creates an Assurer.
func New(cfg Config) *Assurer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Assurer{
		funder:      cfg.Funder,
		concurrency: concurrency,
		recorder:    cfg.Recorder,
		logger:      logger,
	}
}

// Funder returns the funding wallet.
func (a *Assurer) Funder() Wallet { return a.funder }

func (a *Assurer) record(layer operation.Layer, amount *big.Int) {
	if a.recorder != nil {
		a.recorder.RecordFunding(layer, amount)
	}
}

func (a *Assurer) requireFunder(ctx context.Context, layer operation.Layer, required *big.Int) error {
	available, err := a.funder.Balance(ctx, layer)
	if err != nil {
		return fmt.Errorf("funder %s balance: %w", layer, err)
	}
	if available.Cmp(required) < 0 {
		return &InsufficientFunderFundsError{Account: a.funder.Address(), Required: required, Available: available}
	}
	return nil
}

// CheckFunder fails with *InsufficientFunderFundsError unless the funder's
// combined L1 and L2 balance covers required.
func (a *Assurer) CheckFunder(ctx context.Context, required *big.Int) error {
	l1, err := a.funder.Balance(ctx, operation.L1)
	if err != nil {
		return fmt.Errorf("funder L1 balance: %w", err)
	}
	l2, err := a.funder.Balance(ctx, operation.L2)
	if err != nil {
		return fmt.Errorf("funder L2 balance: %w", err)
	}
	available := new(big.Int).Add(l1, l2)
	if available.Cmp(required) < 0 {
		return &InsufficientFunderFundsError{Account: a.funder.Address(), Required: new(big.Int).Set(required), Available: available}
	}
	a.logger.Info("funder balance sufficient",
		slog.String("required", required.String()),
		slog.String("available", available.String()),
	)
	return nil
}

// EnsureL1 tops w up on L1 so it holds at least required, adding the current
// gas cost as headroom, and waits for the funding transaction to be mined.
// It reports whether a transfer was made.
func (a *Assurer) EnsureL1(ctx context.Context, w Wallet, required *big.Int) (bool, error) {
	balance, err := w.Balance(ctx, operation.L1)
	if err != nil {
		return false, fmt.Errorf("L1 balance of %s: %w", w.Address().Hex(), err)
	}
	if balance.Cmp(required) >= 0 {
		return false, nil
	}

	gasCost, err := a.funder.GasCost(ctx)
	if err != nil {
		return false, err
	}
	value := new(big.Int).Sub(required, balance)
	value.Add(value, gasCost)
	if err := a.requireFunder(ctx, operation.L1, value); err != nil {
		return false, err
	}

	a.logger.Info("funding account on L1",
		slog.String("account", w.Address().Hex()),
		slog.String("value", value.String()),
		slog.String("balance", balance.String()),
	)
	hash, err := a.funder.SendValue(ctx, w.Address(), value)
	if err != nil {
		return false, err
	}
	if _, err := a.funder.WaitMined(ctx, hash); err != nil {
		return false, fmt.Errorf("L1 top-up of %s: %w", w.Address().Hex(), err)
	}
	a.record(operation.L1, value)
	return true, nil
}

// EnsureL2 tops w up on L2 so it holds at least required. The funder transfers
// the shortfall on L2 when it is active and can afford it, and otherwise
// deposits it from L1. It waits for the top-up to settle.
func (a *Assurer) EnsureL2(ctx context.Context, w Wallet, required *big.Int) (bool, error) {
	balance, err := w.Balance(ctx, operation.L2)
	if err != nil {
		return false, fmt.Errorf("L2 balance of %s: %w", w.Address().Hex(), err)
	}
	if balance.Cmp(required) >= 0 {
		return false, nil
	}
	shortfall := new(big.Int).Sub(required, balance)

	handle, via, err := a.topUpL2(ctx, w, shortfall)
	if err != nil {
		return false, err
	}
	receipt, err := handle.AwaitReceipt(ctx)
	if err != nil {
		return false, fmt.Errorf("L2 top-up of %s: %w", w.Address().Hex(), err)
	}
	if !receipt.Success {
		return false, fmt.Errorf("L2 top-up of %s via %s failed: %s", w.Address().Hex(), via, receipt.FailReason)
	}

	a.logger.Info("funded account on L2",
		slog.String("account", w.Address().Hex()),
		slog.String("amount", shortfall.String()),
		slog.String("via", via),
	)
	a.record(operation.L2, shortfall)
	return true, nil
}

func (a *Assurer) topUpL2(ctx context.Context, w Wallet, amount *big.Int) (rollup.Handle, string, error) {
	if w.Address() != a.funder.Address() {
		ok, err := a.canTransferOnL2(ctx, amount)
		if err != nil {
			return nil, "", err
		}
		if ok {
			h, err := a.funder.Transfer(ctx, wallet.TransferArgs{To: w.Address(), Amount: amount})
			return h, "transfer", err
		}
	}

	if err := a.requireFunder(ctx, operation.L1, amount); err != nil {
		return nil, "", err
	}
	h, err := a.funder.Deposit(ctx, wallet.DepositArgs{To: w.Address(), Amount: amount})
	return h, "deposit", err
}

func (a *Assurer) canTransferOnL2(ctx context.Context, amount *big.Int) (bool, error) {
	active, err := a.funder.IsActive(ctx)
	if err != nil || !active {
		return false, err
	}
	fee, err := a.funder.TransactionFee(ctx, rollup.FeeTransfer)
	if err != nil {
		return false, err
	}
	balance, err := a.funder.Balance(ctx, operation.L2)
	if err != nil {
		return false, err
	}
	return balance.Cmp(new(big.Int).Add(amount, fee)) >= 0, nil
}

// EnsureActivated registers w's signing key if it is not set yet. The account
// is first funded with twice the ChangePubKey fee on L2.
func (a *Assurer) EnsureActivated(ctx context.Context, w Wallet) (bool, error) {
	active, err := w.IsActive(ctx)
	if err != nil {
		return false, fmt.Errorf("activation state of %s: %w", w.Address().Hex(), err)
	}
	if active {
		return false, nil
	}

	fee, err := w.TransactionFee(ctx, rollup.FeeChangePubKey)
	if err != nil {
		return false, err
	}
	if _, err := a.EnsureL2(ctx, w, new(big.Int).Mul(fee, big.NewInt(2))); err != nil {
		return false, err
	}

	h, err := w.ChangePubKey(ctx, wallet.ChangePubKeyArgs{Fee: fee})
	if err != nil {
		return false, err
	}
	receipt, err := h.AwaitReceipt(ctx)
	if err != nil {
		return false, fmt.Errorf("activate %s: %w", w.Address().Hex(), err)
	}
	if !receipt.Success {
		return false, fmt.Errorf("activate %s failed: %s", w.Address().Hex(), receipt.FailReason)
	}
	a.logger.Info("activated account", slog.String("account", w.Address().Hex()))
	return true, nil
}

// ActivateAll runs EnsureActivated for every wallet, in parallel.
func (a *Assurer) ActivateAll(ctx context.Context, ws []Wallet) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, w := range ws {
		g.Go(func() error {
			_, err := a.EnsureActivated(ctx, w)
			return err
		})
	}
	return g.Wait()
}

// FundAll tops up every requirement in reqs. Funder requirements on L2 are
// covered by depositing from its own L1; its L1 requirement is only checked.
// Funder requirements are settled first, then participant top-ups run in parallel.
func (a *Assurer) FundAll(ctx context.Context, reqs *Requirements) error {
	var participants []*Requirement
	for _, req := range reqs.List() {
		if _, ok := req.Sender.(Wallet); !ok {
			return fmt.Errorf("sender %s cannot be funded", req.Sender.Address().Hex())
		}
		if req.Sender.Address() != a.funder.Address() {
			participants = append(participants, req)
			continue
		}
		if err := a.fundFunder(ctx, req); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, req := range participants {
		w := req.Sender.(Wallet)
		g.Go(func() error {
			var err error
			if req.Layer == operation.L1 {
				_, err = a.EnsureL1(gctx, w, req.Amount)
			} else {
				_, err = a.EnsureL2(gctx, w, req.Amount)
			}
			return err
		})
	}
	return g.Wait()
}

func (a *Assurer) fundFunder(ctx context.Context, req *Requirement) error {
	if req.Layer == operation.L1 {
		return a.requireFunder(ctx, operation.L1, req.Amount)
	}
	_, err := a.EnsureL2(ctx, a.funder, req.Amount)
	return err
}
