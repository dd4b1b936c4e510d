// Package txbuilder builds the layer-1 transactions the simulator sends:
// plain value transfers for funding and deposits into the rollup contract.
package txbuilder

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMissingChainID is returned when TxParams has no usable chain ID.
var ErrMissingChainID = errors.New("chain ID must be non-nil and non-zero")

// TxParams holds per-transaction parameters supplied by the sender.
type TxParams struct {
	ChainID   *big.Int
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	UseLegacy bool // type 0 transaction, GasFeeCap is the gas price
}

// Builder builds one kind of layer-1 transaction.
type Builder interface {
	// GasLimit returns the gas limit for this kind of transaction.
	GasLimit() uint64

	// Value returns the wei attached to the transaction.
	Value() *big.Int

	// Build creates an unsigned transaction.
	Build(params TxParams) (*types.Transaction, error)
}

// MaxCost is the most a transaction built by b can spend: value + gasLimit*gasPrice.
func MaxCost(b Builder, gasPrice *big.Int) *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(b.GasLimit()), gasPrice)
	return cost.Add(cost, b.Value())
}

func checkParams(params TxParams) error {
	if params.ChainID == nil || params.ChainID.Sign() == 0 {
		return ErrMissingChainID
	}
	return nil
}

// build creates a type 0 transaction when params.UseLegacy is set, otherwise a
// dynamic fee transaction. RSK-style nodes only accept legacy transactions.
func build(params TxParams, to common.Address, value *big.Int, gas uint64, data []byte) *types.Transaction {
	if params.UseLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    params.Nonce,
			GasPrice: params.GasFeeCap,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   params.ChainID,
		Nonce:     params.Nonce,
		GasTipCap: params.GasTipCap,
		GasFeeCap: params.GasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}
