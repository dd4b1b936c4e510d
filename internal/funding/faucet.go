package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
)

// ErrNoDevAccounts is returned when the node exposes no unlocked account with a balance.
var ErrNoDevAccounts = errors.New("node has no funded unlocked accounts")

// DevFaucet syphons the first funded unlocked account of a dev node.
type DevFaucet struct {
	client rpc.Client
	poll   time.Duration
	logger *slog.Logger
}

// NewDevFaucet creates a DevFaucet for client polling receipts every poll.
func NewDevFaucet(client rpc.Client, poll time.Duration, logger *slog.Logger) *DevFaucet {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = rollup.DefaultPollInterval
	}
	return &DevFaucet{client: client, poll: poll, logger: logger}
}

// FundIfEmpty moves the balance of the first funded unlocked account, minus a
// block's worth of gas, to target when target holds nothing on L1.
func (f *DevFaucet) FundIfEmpty(ctx context.Context, target common.Address) (bool, error) {
	balance, err := f.client.GetBalance(ctx, target)
	if err != nil {
		return false, fmt.Errorf("balance of %s: %w", target.Hex(), err)
	}
	if balance.Sign() != 0 {
		return false, nil
	}
	return true, f.Syphon(ctx, target)
}

// Syphon moves the funds of the first funded unlocked account to target and
// waits for the transaction to be mined.
func (f *DevFaucet) Syphon(ctx context.Context, target common.Address) error {
	accounts, err := f.client.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list dev accounts: %w", err)
	}

	var (
		source  common.Address
		balance *big.Int
	)
	for _, acc := range accounts {
		b, err := f.client.GetBalance(ctx, acc)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", acc.Hex(), err)
		}
		if b.Sign() > 0 {
			source, balance = acc, b
			break
		}
	}
	if balance == nil {
		return ErrNoDevAccounts
	}

	gasPrice, err := f.client.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	block, err := f.client.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	value := new(big.Int).Sub(balance, new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(block.GasLimit)))
	if value.Sign() <= 0 {
		return ErrNoDevAccounts
	}

	f.logger.Info("syphoning dev account",
		slog.String("from", source.Hex()),
		slog.String("to", target.Hex()),
		slog.String("value", value.String()),
	)
	hash, err := f.client.SendTransaction(ctx, rpc.SendTxArgs{From: source, To: target, Value: value})
	if err != nil {
		return fmt.Errorf("syphon %s: %w", source.Hex(), err)
	}
	if _, err := rollup.WaitL1Receipt(ctx, f.client, hash, f.poll); err != nil {
		return fmt.Errorf("wait syphon: %w", err)
	}
	return nil
}
