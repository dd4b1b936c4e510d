package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/rpc"
)

// DefaultPollInterval is used when a handle is created with a zero interval.
const DefaultPollInterval = time.Second

// Handle tracks a submitted operation through settlement and finality.
type Handle interface {
	// Hash identifies the operation (L2 tx hash, or L1 tx hash for priority operations).
	Hash() string

	// AwaitReceipt blocks until the operation is settled on layer 2.
	AwaitReceipt(ctx context.Context) (*Receipt, error)

	// AwaitVerifyReceipt blocks until the operation's block is verified.
	AwaitVerifyReceipt(ctx context.Context) (*Receipt, error)
}

// Transaction is the handle of a layer-2 transaction.
type Transaction struct {
	hash     string
	provider Provider
	poll     time.Duration
	logger   *slog.Logger
}

var _ Handle = (*Transaction)(nil)

// NewTransaction creates a handle for a submitted layer-2 transaction.
func NewTransaction(hash string, provider Provider, poll time.Duration, logger *slog.Logger) *Transaction {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{hash: hash, provider: provider, poll: poll, logger: logger}
}

// Hash implements Handle.
func (t *Transaction) Hash() string { return t.hash }

// AwaitReceipt implements Handle.
func (t *Transaction) AwaitReceipt(ctx context.Context) (*Receipt, error) {
	return awaitRollup(ctx, t.provider, t.hash, t.poll, committedOrLater)
}

// AwaitVerifyReceipt implements Handle.
func (t *Transaction) AwaitVerifyReceipt(ctx context.Context) (*Receipt, error) {
	return awaitRollup(ctx, t.provider, t.hash, t.poll, finalizedOrRejected)
}

// PriorityOperation is the handle of a deposit submitted on layer 1.
// It settles once the L1 transaction is mined and the rollup has committed it.
type PriorityOperation struct {
	l1Hash   common.Hash
	l1       rpc.Client
	provider Provider
	poll     time.Duration
	logger   *slog.Logger
}

var _ Handle = (*PriorityOperation)(nil)

// NewPriorityOperation creates a handle for an L1 deposit transaction.
func NewPriorityOperation(l1Hash common.Hash, l1 rpc.Client, provider Provider, poll time.Duration, logger *slog.Logger) *PriorityOperation {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriorityOperation{l1Hash: l1Hash, l1: l1, provider: provider, poll: poll, logger: logger}
}

// Hash implements Handle.
func (p *PriorityOperation) Hash() string { return p.l1Hash.Hex() }

// AwaitReceipt implements Handle.
func (p *PriorityOperation) AwaitReceipt(ctx context.Context) (*Receipt, error) {
	l1Receipt, err := WaitL1Receipt(ctx, p.l1, p.l1Hash, p.poll)
	if err != nil {
		return nil, err
	}
	if l1Receipt.Status != 1 {
		return &Receipt{
			Success:     false,
			FailReason:  "L1 transaction reverted",
			BlockNumber: l1Receipt.BlockNumber,
		}, nil
	}
	p.logger.Debug("deposit mined on L1, waiting for rollup",
		slog.String("l1_tx", p.l1Hash.Hex()),
		slog.Uint64("block", l1Receipt.BlockNumber),
	)
	return awaitRollup(ctx, p.provider, p.Hash(), p.poll, committedOrLater)
}

// AwaitVerifyReceipt implements Handle.
func (p *PriorityOperation) AwaitVerifyReceipt(ctx context.Context) (*Receipt, error) {
	return awaitRollup(ctx, p.provider, p.Hash(), p.poll, finalizedOrRejected)
}

// WaitL1Receipt polls until the transaction is mined.
func WaitL1Receipt(ctx context.Context, l1 rpc.Client, hash common.Hash, poll time.Duration) (*rpc.TransactionReceipt, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := l1.GetTransactionReceipt(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func committedOrLater(s TxStatus) bool {
	return s == TxCommitted || s == TxFinalized || s == TxRejected
}

func finalizedOrRejected(s TxStatus) bool {
	return s == TxFinalized || s == TxRejected
}

func awaitRollup(ctx context.Context, provider Provider, hash string, poll time.Duration, done func(TxStatus) bool) (*Receipt, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := provider.TxReceipt(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("get rollup receipt %s: %w", hash, err)
		}
		if r != nil && done(r.Status) {
			return receiptFrom(r), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
