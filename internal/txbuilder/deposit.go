package txbuilder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DepositGas is the gas limit for a deposit into the rollup contract.
const DepositGas = 200000

// depositABI is the payable entry point of the rollup contract; the attached
// value is credited to the address on layer 2.
const depositABI = `[{"type":"function","name":"depositRBTC","stateMutability":"payable","inputs":[{"name":"_zkSyncAddress","type":"address"}],"outputs":[]}]`

var rollupContract = mustParseABI(depositABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse rollup ABI: %v", err))
	}
	return parsed
}

// DepositBuilder builds rollup contract deposits.
type DepositBuilder struct {
	contract  common.Address
	recipient common.Address
	amount    *big.Int
}

var _ Builder = (*DepositBuilder)(nil)

// NewDepositBuilder creates a builder depositing amount for recipient via contract.
func NewDepositBuilder(contract, recipient common.Address, amount *big.Int) *DepositBuilder {
	return &DepositBuilder{contract: contract, recipient: recipient, amount: new(big.Int).Set(amount)}
}

// GasLimit implements Builder.
func (b *DepositBuilder) GasLimit() uint64 { return DepositGas }

// Value implements Builder.
func (b *DepositBuilder) Value() *big.Int { return new(big.Int).Set(b.amount) }

// Build implements Builder.
func (b *DepositBuilder) Build(params TxParams) (*types.Transaction, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	data, err := EncodeDeposit(b.recipient)
	if err != nil {
		return nil, err
	}
	return build(params, b.contract, b.amount, b.GasLimit(), data), nil
}

// EncodeDeposit encodes a depositRBTC(address) call.
func EncodeDeposit(recipient common.Address) ([]byte, error) {
	data, err := rollupContract.Pack("depositRBTC", recipient)
	if err != nil {
		return nil, fmt.Errorf("pack depositRBTC: %w", err)
	}
	return data, nil
}
