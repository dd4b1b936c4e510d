// Package rolluptest provides an in-memory rollup implementing rollup.Provider.
// Submitted transactions are committed immediately and reported finalized
// from the second receipt query on.
package rolluptest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc/rpctest"
)

type accountState struct {
	id         uint64
	nonce      uint64
	pubKeyHash string
	balance    *big.Int
}

type receipt struct {
	r       rollup.TxReceipt
	queries int
}

// Provider is an in-memory rollup. It is safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	accounts  map[common.Address]*accountState
	receipts  map[string]*receipt
	fees      map[rollup.FeeKind]*big.Int
	submitted []rollup.Tx
	nextID    uint64
	block     uint64

	// Contract is reported by Config as the deposit contract.
	Contract common.Address

	// Err, when set, is returned by every call.
	Err error

	// Reject returns a non-empty failure reason to reject tx at settlement.
	Reject func(tx rollup.Tx) string

	// SubmitErr returns an error to refuse tx at submission.
	SubmitErr func(tx rollup.Tx) error
}

var _ rollup.Provider = (*Provider)(nil)

// NewProvider creates an empty rollup quoting fee for every kind.
func NewProvider(fee int64) *Provider {
	p := &Provider{
		accounts: make(map[common.Address]*accountState),
		receipts: make(map[string]*receipt),
		fees:     make(map[rollup.FeeKind]*big.Int),
		nextID:   1,
	}
	for _, k := range []rollup.FeeKind{rollup.FeeTransfer, rollup.FeeWithdraw, rollup.FeeFastWithdraw, rollup.FeeChangePubKey} {
		p.fees[k] = big.NewInt(fee)
	}
	return p
}

// Connect credits deposits sent to contract on chain into p.
func Connect(chain *rpctest.Chain, p *Provider, contract common.Address) {
	p.Contract = contract
	chain.OnContractCall = func(_ common.Address, tx *types.Transaction) {
		if tx.To() == nil || *tx.To() != contract || len(tx.Data()) != 36 {
			return
		}
		p.Deposit(tx.Hash().Hex(), common.BytesToAddress(tx.Data()[4:]), tx.Value())
	}
}

// SetFee overrides the quote for kind.
func (p *Provider) SetFee(kind rollup.FeeKind, fee *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees[kind] = new(big.Int).Set(fee)
}

// SetBalance creates addr if needed and overwrites its balance.
func (p *Provider) SetBalance(addr common.Address, v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountLocked(addr).balance = new(big.Int).Set(v)
}

// Activate creates addr with a signing key and balance v.
func (p *Provider) Activate(addr common.Address, v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.accountLocked(addr)
	acc.balance = new(big.Int).Set(v)
	acc.pubKeyHash = "sync:" + common.Bytes2Hex(crypto.Keccak256(addr.Bytes())[:20])
}

// Balance returns the committed balance of addr.
func (p *Provider) Balance(addr common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[addr]; ok {
		return new(big.Int).Set(acc.balance)
	}
	return new(big.Int)
}

// Submitted returns every transaction accepted by SubmitTx.
func (p *Provider) Submitted() []rollup.Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rollup.Tx, len(p.submitted))
	copy(out, p.submitted)
	return out
}

// Deposit credits amount to addr as a priority operation keyed by l1Hash.
func (p *Provider) Deposit(l1Hash string, addr common.Address, amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.accountLocked(addr)
	acc.balance.Add(acc.balance, amount)
	p.commitLocked(l1Hash, "")
}

func (p *Provider) accountLocked(addr common.Address) *accountState {
	acc, ok := p.accounts[addr]
	if !ok {
		acc = &accountState{id: p.nextID, pubKeyHash: rollup.ZeroPubKeyHash, balance: new(big.Int)}
		p.nextID++
		p.accounts[addr] = acc
	}
	return acc
}

func (p *Provider) commitLocked(hash, failReason string) {
	p.block++
	block := p.block
	status := rollup.TxCommitted
	if failReason != "" {
		status = rollup.TxRejected
	}
	p.receipts[hash] = &receipt{r: rollup.TxReceipt{
		TxHash:      hash,
		RollupBlock: &block,
		Status:      status,
		FailReason:  failReason,
	}}
}

// AccountState implements rollup.Provider.
func (p *Provider) AccountState(_ context.Context, addr common.Address) (*rollup.AccountState, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[addr]
	if !ok {
		return nil, nil
	}
	id := acc.id
	return &rollup.AccountState{
		AccountID:  &id,
		Address:    addr,
		Nonce:      acc.nonce,
		PubKeyHash: acc.pubKeyHash,
		Balances:   map[string]*rollup.Amount{rollup.DefaultToken: rollup.NewAmount(acc.balance)},
	}, nil
}

// TransactionFee implements rollup.Provider.
func (p *Provider) TransactionFee(_ context.Context, kind rollup.FeeKind, _ common.Address, _ string) (*rollup.Fee, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fee, ok := p.fees[kind]
	if !ok {
		return nil, &rollup.APIError{Code: 300, Message: fmt.Sprintf("unknown fee kind %s", kind)}
	}
	return &rollup.Fee{GasFee: rollup.NewAmount(fee), ZkpFee: rollup.NewAmount(nil), TotalFee: rollup.NewAmount(fee)}, nil
}

// SubmitTx implements rollup.Provider.
func (p *Provider) SubmitTx(_ context.Context, signed *rollup.SignedTx) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	if signed.Signature == nil {
		return "", &rollup.APIError{Code: 101, Message: "missing signature"}
	}
	if p.SubmitErr != nil {
		if err := p.SubmitErr(signed.Tx); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(signed.Tx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hash := fmt.Sprintf("sync-tx:%x", crypto.Keccak256(data, new(big.Int).SetInt64(int64(len(p.submitted))).Bytes()))
	p.submitted = append(p.submitted, signed.Tx)

	if p.Reject != nil {
		if reason := p.Reject(signed.Tx); reason != "" {
			p.commitLocked(hash, reason)
			return hash, nil
		}
	}
	p.commitLocked(hash, p.applyLocked(signed.Tx))
	return hash, nil
}

func (p *Provider) applyLocked(tx rollup.Tx) string {
	var (
		from        common.Address
		to          *common.Address
		amount, fee *big.Int
		nonce       uint64
	)
	switch t := tx.(type) {
	case *rollup.TransferTx:
		from, to, amount, fee, nonce = t.From, &t.To, t.Amount.BigInt(), t.Fee.BigInt(), t.Nonce
	case *rollup.WithdrawTx:
		from, amount, fee, nonce = t.From, t.Amount.BigInt(), t.Fee.BigInt(), t.Nonce
	case *rollup.ChangePubKeyTx:
		from, amount, fee, nonce = t.Account, new(big.Int), t.Fee.BigInt(), t.Nonce
	default:
		return fmt.Sprintf("unsupported transaction %s", tx.Type())
	}

	acc, ok := p.accounts[from]
	if !ok {
		return "Account does not exist"
	}
	if nonce < acc.nonce {
		return "Nonce mismatch"
	}
	total := new(big.Int).Add(amount, fee)
	if acc.balance.Cmp(total) < 0 {
		return "Not enough balance"
	}
	acc.balance.Sub(acc.balance, total)
	acc.nonce = nonce + 1
	if to != nil {
		dst := p.accountLocked(*to)
		dst.balance.Add(dst.balance, amount)
	}
	if cpk, ok := tx.(*rollup.ChangePubKeyTx); ok {
		acc.pubKeyHash = cpk.NewPkHash
	}
	return ""
}

// TxReceipt implements rollup.Provider.
func (p *Provider) TxReceipt(_ context.Context, hash string) (*rollup.TxReceipt, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.receipts[hash]
	if !ok {
		return nil, nil
	}
	rec.queries++
	out := rec.r
	if rec.queries > 1 && out.Status == rollup.TxCommitted {
		out.Status = rollup.TxFinalized
		rec.r.Status = rollup.TxFinalized
	}
	return &out, nil
}

// Config implements rollup.Provider.
func (p *Provider) Config(context.Context) (*rollup.NetworkConfig, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return &rollup.NetworkConfig{Network: "localhost", Contract: p.Contract}, nil
}
