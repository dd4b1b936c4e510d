// Package rollup is the layer-2 provider client: account state, fee quotes,
// transaction submission and receipt tracking over the REST v0.2 API.
package rollup

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultToken is the native token symbol used for amounts and fees.
const DefaultToken = "RBTC"

// ZeroPubKeyHash is the pubKeyHash of an account without a signing key.
const ZeroPubKeyHash = "sync:0000000000000000000000000000000000000000"

// FeeKind names the operation a fee is quoted for.
type FeeKind string

const (
	FeeTransfer     FeeKind = "Transfer"
	FeeWithdraw     FeeKind = "Withdraw"
	FeeFastWithdraw FeeKind = "FastWithdraw"
	FeeChangePubKey FeeKind = "ChangePubKey"
)

// MarshalJSON encodes ChangePubKey as {"ChangePubKey": "ECDSA"}, others as plain strings.
func (k FeeKind) MarshalJSON() ([]byte, error) {
	if k == FeeChangePubKey {
		return json.Marshal(map[string]string{"ChangePubKey": "ECDSA"})
	}
	return json.Marshal(string(k))
}

// Amount is a big.Int carried as a decimal string on the wire.
type Amount struct{ big.Int }

// NewAmount copies v into an Amount.
func NewAmount(v *big.Int) *Amount {
	a := new(Amount)
	if v != nil {
		a.Set(v)
	}
	return a
}

// MarshalJSON implements json.Marshaler.
func (a *Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a bare number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid amount %s", data)
		}
		s = n.String()
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	return nil
}

// BigInt returns a copy as *big.Int.
func (a *Amount) BigInt() *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&a.Int)
}

// AccountState is the committed view of a layer-2 account.
type AccountState struct {
	AccountID  *uint64            `json:"accountId"`
	Address    common.Address     `json:"address"`
	Nonce      uint64             `json:"nonce"`
	PubKeyHash string             `json:"pubKeyHash"`
	Balances   map[string]*Amount `json:"balances"`
}

// Balance returns the balance of token, zero if absent.
func (s *AccountState) Balance(token string) *big.Int {
	if s == nil {
		return new(big.Int)
	}
	return s.Balances[token].BigInt()
}

// SigningKeySet reports whether a non-zero pubKeyHash is registered.
func (s *AccountState) SigningKeySet() bool {
	return s != nil && s.PubKeyHash != "" && s.PubKeyHash != ZeroPubKeyHash
}

// Fee is a fee quote.
type Fee struct {
	GasFee   *Amount `json:"gasFee"`
	ZkpFee   *Amount `json:"zkpFee"`
	TotalFee *Amount `json:"totalFee"`
}

// NetworkConfig is the rollup's /config response.
type NetworkConfig struct {
	Network              string         `json:"network"`
	Contract             common.Address `json:"contract"`
	GovContract          common.Address `json:"govContract"`
	DepositConfirmations uint64         `json:"depositConfirmations"`
	Version              string         `json:"zksyncVersion"`
}

// TxStatus is the lifecycle state reported for a layer-2 transaction.
type TxStatus string

const (
	TxQueued    TxStatus = "queued"
	TxCommitted TxStatus = "committed"
	TxFinalized TxStatus = "finalized"
	TxRejected  TxStatus = "rejected"
)

// TxReceipt is the provider's receipt for a transaction or priority operation.
type TxReceipt struct {
	TxHash      string   `json:"txHash"`
	RollupBlock *uint64  `json:"rollupBlock"`
	Status      TxStatus `json:"status"`
	FailReason  string   `json:"failReason"`
}

// Receipt is what a Handle reports once a stage completes.
type Receipt struct {
	Success     bool
	FailReason  string
	BlockNumber uint64
	Verified    bool
}

func receiptFrom(r *TxReceipt) *Receipt {
	out := &Receipt{
		Success:    r.Status != TxRejected,
		FailReason: r.FailReason,
		Verified:   r.Status == TxFinalized,
	}
	if r.RollupBlock != nil {
		out.BlockNumber = *r.RollupBlock
	}
	return out
}
