package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ValueTransferGas is the intrinsic gas of a plain value transfer.
const ValueTransferGas = 21000

// ValueTransferBuilder builds plain value transfers.
type ValueTransferBuilder struct {
	to    common.Address
	value *big.Int
}

var _ Builder = (*ValueTransferBuilder)(nil)

// NewValueTransferBuilder creates a builder that sends value to to.
func NewValueTransferBuilder(to common.Address, value *big.Int) *ValueTransferBuilder {
	return &ValueTransferBuilder{to: to, value: new(big.Int).Set(value)}
}

// GasLimit implements Builder.
func (b *ValueTransferBuilder) GasLimit() uint64 { return ValueTransferGas }

// Value implements Builder.
func (b *ValueTransferBuilder) Value() *big.Int { return new(big.Int).Set(b.value) }

// Build implements Builder.
func (b *ValueTransferBuilder) Build(params TxParams) (*types.Transaction, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	return build(params, b.to, b.value, b.GasLimit(), nil), nil
}
