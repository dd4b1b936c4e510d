// Package rpctest provides an in-memory layer-1 chain implementing rpc.Client
// for tests. Every accepted transaction is mined immediately.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/rpc"
)

// DefaultGasLimit is the block gas limit reported by GetLatestBlock.
const DefaultGasLimit = 6_800_000

// Chain is a minimal in-memory chain. It is safe for concurrent use.
type Chain struct {
	mu       sync.Mutex
	chainID  *big.Int
	gasPrice *big.Int
	gasLimit uint64
	block    uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*rpc.TransactionReceipt
	unlocked []common.Address
	sent     []*types.Transaction
	devSends int

	// OnContractCall is invoked, outside the lock, for every mined transaction carrying calldata.
	OnContractCall func(from common.Address, tx *types.Transaction)

	// SendErr, when set, is returned by SendRawTransaction and SendTransaction.
	SendErr error

	// ReceiptErr, when set, is returned by GetTransactionReceipt.
	ReceiptErr error
}

var _ rpc.Client = (*Chain)(nil)

// NewChain creates an empty chain with the given ID and gas price.
func NewChain(chainID int64, gasPrice int64) *Chain {
	return &Chain{
		chainID:  big.NewInt(chainID),
		gasPrice: big.NewInt(gasPrice),
		gasLimit: DefaultGasLimit,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*rpc.TransactionReceipt),
	}
}

// SetBalance overwrites the balance of addr.
func (c *Chain) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(v)
}

// Balance returns the balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(addr)
}

// Unlock registers addr as an unlocked node account with balance v.
func (c *Chain) Unlock(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked = append(c.unlocked, addr)
	c.balances[addr] = new(big.Int).Set(v)
}

// Sent returns every transaction accepted through SendRawTransaction.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

// DevSends returns how many eth_sendTransaction calls were accepted.
func (c *Chain) DevSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devSends
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (c *Chain) transferLocked(from, to common.Address, value, cost *big.Int) error {
	bal := c.balanceLocked(from)
	if bal.Cmp(cost) < 0 {
		return fmt.Errorf("insufficient funds for gas * price + value: have %s want %s", bal, cost)
	}
	c.balances[from] = bal.Sub(bal, cost)
	c.balances[to] = new(big.Int).Add(c.balanceLocked(to), value)
	return nil
}

func (c *Chain) mineLocked(hash common.Hash, gas uint64) {
	c.block++
	c.receipts[hash] = &rpc.TransactionReceipt{
		TxHash:      hash,
		Status:      1,
		GasUsed:     gas,
		BlockNumber: c.block,
	}
}

// Call is not supported by the fake.
func (c *Chain) Call(context.Context, string, []any) (json.RawMessage, error) {
	return nil, errors.New("rpctest: raw calls not supported")
}

// ChainID implements rpc.Client.
func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// SendRawTransaction decodes, validates and mines tx.
func (c *Chain) SendRawTransaction(_ context.Context, txRLP []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(txRLP); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	c.mu.Lock()
	if want := c.nonces[from]; tx.Nonce() != want {
		c.mu.Unlock()
		return fmt.Errorf("invalid nonce: have %d want %d", tx.Nonce(), want)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	cost.Add(cost, tx.Value())
	if err := c.transferLocked(from, *tx.To(), tx.Value(), cost); err != nil {
		c.mu.Unlock()
		return err
	}
	c.nonces[from]++
	c.sent = append(c.sent, tx)
	c.mineLocked(tx.Hash(), tx.Gas())
	hook := c.OnContractCall
	c.mu.Unlock()

	if hook != nil && len(tx.Data()) > 0 {
		hook(from, tx)
	}
	return nil
}

// GetNonce implements rpc.Client.
func (c *Chain) GetNonce(_ context.Context, address common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[address], nil
}

// GetBalance implements rpc.Client.
func (c *Chain) GetBalance(_ context.Context, address common.Address) (*big.Int, error) {
	return c.Balance(address), nil
}

// GetGasPrice implements rpc.Client.
func (c *Chain) GetGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

// GetLatestBlock implements rpc.Client.
func (c *Chain) GetLatestBlock(context.Context) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &rpc.Block{Number: c.block, GasLimit: c.gasLimit}, nil
}

// GetTransactionReceipt implements rpc.Client.
func (c *Chain) GetTransactionReceipt(_ context.Context, txHash common.Hash) (*rpc.TransactionReceipt, error) {
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Accounts implements rpc.Client.
func (c *Chain) Accounts(context.Context) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Address, len(c.unlocked))
	copy(out, c.unlocked)
	return out, nil
}

// SendTransaction moves value from an unlocked account without charging gas.
func (c *Chain) SendTransaction(_ context.Context, args rpc.SendTxArgs) (common.Hash, error) {
	if c.SendErr != nil {
		return common.Hash{}, c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	unlocked := false
	for _, a := range c.unlocked {
		if a == args.From {
			unlocked = true
			break
		}
	}
	if !unlocked {
		return common.Hash{}, fmt.Errorf("unknown account %s", args.From.Hex())
	}
	if err := c.transferLocked(args.From, args.To, args.Value, args.Value); err != nil {
		return common.Hash{}, err
	}
	c.nonces[args.From]++
	c.devSends++
	hash := crypto.Keccak256Hash(args.From.Bytes(), new(big.Int).SetUint64(c.nonces[args.From]).Bytes())
	c.mineLocked(hash, 21000)
	return hash, nil
}
