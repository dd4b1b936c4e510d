package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/pipeline"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/internal/txbuilder"
)

// DepositArgs describes an L1 deposit into the rollup.
type DepositArgs struct {
	To     common.Address
	Amount *big.Int
	Nonce  *uint64 // L1 nonce; nil uses the pending nonce
}

// TransferArgs describes an L2 transfer.
type TransferArgs struct {
	To     common.Address
	Amount *big.Int
	Fee    *big.Int // nil quotes the current fee
	Nonce  *uint64  // L2 nonce; nil uses the next known nonce
}

// WithdrawArgs describes an L2 to L1 withdrawal.
type WithdrawArgs struct {
	To             common.Address
	Amount         *big.Int
	Fee            *big.Int
	Nonce          *uint64
	FastProcessing bool
}

// ChangePubKeyArgs describes a signing key activation.
type ChangePubKeyArgs struct {
	Fee   *big.Int
	Nonce *uint64
}

func (w *Wallet) sendL1(ctx context.Context, nonce *uint64, b txbuilder.Builder) (pipeline.Result, error) {
	gasPrice, err := w.factory.l1.GetGasPrice(ctx)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("gas price: %w", err)
	}
	if nonce != nil {
		return w.factory.pipeline.Execute(ctx, w.account.PrivateKey, *nonce, gasPrice, b)
	}

	w.l1Mu.Lock()
	defer w.l1Mu.Unlock()
	n, err := w.factory.l1.GetNonce(ctx, w.Address())
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("pending nonce: %w", err)
	}
	return w.factory.pipeline.Execute(ctx, w.account.PrivateKey, n, gasPrice, b)
}

// SendValue sends an L1 value transfer and returns its hash without waiting.
func (w *Wallet) SendValue(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	res, err := w.sendL1(ctx, nil, txbuilder.NewValueTransferBuilder(to, amount))
	if err != nil {
		return common.Hash{}, fmt.Errorf("send %s to %s: %w", amount, to.Hex(), err)
	}
	return res.TxHash, nil
}

// WaitMined blocks until hash is mined and fails if it reverted.
func (w *Wallet) WaitMined(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error) {
	receipt, err := rollup.WaitL1Receipt(ctx, w.factory.l1, hash, w.factory.poll)
	if err != nil {
		return nil, err
	}
	if receipt.Status != 1 {
		return receipt, fmt.Errorf("transaction %s reverted", hash.Hex())
	}
	return receipt, nil
}

// Deposit sends an L1 deposit crediting args.To on L2.
func (w *Wallet) Deposit(ctx context.Context, args DepositArgs) (rollup.Handle, error) {
	b := txbuilder.NewDepositBuilder(w.factory.contract, args.To, args.Amount)
	res, err := w.sendL1(ctx, args.Nonce, b)
	if err != nil {
		return nil, fmt.Errorf("deposit %s to %s: %w", args.Amount, args.To.Hex(), err)
	}
	w.logger.Debug("deposit sent",
		slog.String("to", args.To.Hex()),
		slog.String("amount", args.Amount.String()),
		slog.String("l1_tx", res.TxHash.Hex()),
	)
	return rollup.NewPriorityOperation(res.TxHash, w.factory.l1, w.factory.rollup, w.factory.poll, w.logger), nil
}

// submitL2 signs and submits the transaction built for nonce.
func (w *Wallet) submitL2(ctx context.Context, pinned *uint64, build func(nonce uint64) (rollup.Tx, error)) (rollup.Handle, error) {
	if pinned != nil {
		tx, err := build(*pinned)
		if err != nil {
			return nil, err
		}
		hash, err := w.signAndSubmit(ctx, tx)
		if err != nil {
			return nil, err
		}
		w.l2Mu.Lock()
		w.l2Next = max(w.l2Next, *pinned+1)
		w.l2Mu.Unlock()
		return rollup.NewTransaction(hash, w.factory.rollup, w.factory.poll, w.logger), nil
	}

	w.l2Mu.Lock()
	defer w.l2Mu.Unlock()
	committed, err := w.Nonce(ctx, operation.L2)
	if err != nil {
		return nil, fmt.Errorf("committed nonce: %w", err)
	}
	n := max(committed, w.l2Next)
	tx, err := build(n)
	if err != nil {
		return nil, err
	}
	hash, err := w.signAndSubmit(ctx, tx)
	if err != nil {
		return nil, err
	}
	w.l2Next = n + 1
	return rollup.NewTransaction(hash, w.factory.rollup, w.factory.poll, w.logger), nil
}

func (w *Wallet) signAndSubmit(ctx context.Context, tx rollup.Tx) (string, error) {
	signed, err := w.signer.Sign(tx)
	if err != nil {
		return "", err
	}
	hash, err := w.factory.rollup.SubmitTx(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", tx.Type(), err)
	}
	return hash, nil
}

func (w *Wallet) feeOrQuote(ctx context.Context, fee *big.Int, kind rollup.FeeKind) (*big.Int, error) {
	if fee != nil {
		return fee, nil
	}
	return w.TransactionFee(ctx, kind)
}

// Transfer submits an L2 transfer.
func (w *Wallet) Transfer(ctx context.Context, args TransferArgs) (rollup.Handle, error) {
	id, err := w.requireAccountID(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := w.feeOrQuote(ctx, args.Fee, rollup.FeeTransfer)
	if err != nil {
		return nil, err
	}
	return w.submitL2(ctx, args.Nonce, func(nonce uint64) (rollup.Tx, error) {
		return &rollup.TransferTx{
			TxType:    "Transfer",
			AccountID: id,
			From:      w.Address(),
			To:        args.To,
			Token:     w.factory.token,
			Amount:    rollup.NewAmount(args.Amount),
			Fee:       rollup.NewAmount(rollup.ClosestPackableFee(fee)),
			Nonce:     nonce,
		}, nil
	})
}

// Withdraw submits an L2 withdrawal to args.To on L1.
func (w *Wallet) Withdraw(ctx context.Context, args WithdrawArgs) (rollup.Handle, error) {
	id, err := w.requireAccountID(ctx)
	if err != nil {
		return nil, err
	}
	kind := rollup.FeeWithdraw
	if args.FastProcessing {
		kind = rollup.FeeFastWithdraw
	}
	fee, err := w.feeOrQuote(ctx, args.Fee, kind)
	if err != nil {
		return nil, err
	}
	return w.submitL2(ctx, args.Nonce, func(nonce uint64) (rollup.Tx, error) {
		return &rollup.WithdrawTx{
			TxType:         "Withdraw",
			AccountID:      id,
			From:           w.Address(),
			To:             args.To,
			Token:          w.factory.token,
			Amount:         rollup.NewAmount(args.Amount),
			Fee:            rollup.NewAmount(rollup.ClosestPackableFee(fee)),
			Nonce:          nonce,
			FastProcessing: args.FastProcessing,
		}, nil
	})
}

// ChangePubKey registers the wallet's signing key on L2.
func (w *Wallet) ChangePubKey(ctx context.Context, args ChangePubKeyArgs) (rollup.Handle, error) {
	id, err := w.requireAccountID(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := w.feeOrQuote(ctx, args.Fee, rollup.FeeChangePubKey)
	if err != nil {
		return nil, err
	}
	pkHash := w.PubKeyHash()
	return w.submitL2(ctx, args.Nonce, func(nonce uint64) (rollup.Tx, error) {
		tx := &rollup.ChangePubKeyTx{
			TxType:    "ChangePubKey",
			AccountID: id,
			Account:   w.Address(),
			NewPkHash: pkHash,
			FeeToken:  w.factory.token,
			Fee:       rollup.NewAmount(rollup.ClosestPackableFee(fee)),
			Nonce:     nonce,
		}
		auth, err := w.signer.Sign(tx)
		if err != nil {
			return nil, fmt.Errorf("sign ChangePubKey auth: %w", err)
		}
		tx.EthAuthData = map[string]string{"type": "ECDSA", "ethSignature": hexSig(auth.Signature)}
		return tx, nil
	})
}

// Submit implements operation.Sender.
func (w *Wallet) Submit(ctx context.Context, op *operation.Operation) (rollup.Handle, error) {
	if op.Sender.Address() != w.Address() {
		return nil, fmt.Errorf("operation sender %s is not %s", op.Sender.Address().Hex(), w.Address().Hex())
	}
	switch p := op.Payload.(type) {
	case *operation.Deposit:
		return w.Deposit(ctx, DepositArgs{To: p.To, Amount: op.Amount, Nonce: op.Nonce})
	case *operation.Transfer:
		return w.Transfer(ctx, TransferArgs{To: p.To, Amount: op.Amount, Fee: op.Fee, Nonce: op.Nonce})
	case *operation.Withdraw:
		return w.Withdraw(ctx, WithdrawArgs{To: p.To, Amount: op.Amount, Fee: op.Fee, Nonce: op.Nonce, FastProcessing: p.FastProcessing})
	case *operation.ChangePubKey:
		return w.ChangePubKey(ctx, ChangePubKeyArgs{Fee: op.Fee, Nonce: op.Nonce})
	default:
		return nil, fmt.Errorf("unsupported operation payload %T", p)
	}
}
