package funding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InsufficientFunderFundsError reports that the funder cannot cover a requirement.
// It is fatal to a batch and never retried.
type InsufficientFunderFundsError struct {
	Account   common.Address
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFunderFundsError) Error() string {
	return fmt.Sprintf("insufficient funder funds: %s requires %s wei, has %s wei",
		e.Account.Hex(), e.Required, e.Available)
}
