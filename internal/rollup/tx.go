package rollup

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// Tx is a layer-2 transaction body that can be signed and submitted.
type Tx interface {
	// Type is the wire discriminator ("Transfer", "Withdraw", "ChangePubKey").
	Type() string
	// Message is the human-readable text the sender signs with its L1 key.
	Message() string
}

// TransferTx moves funds between layer-2 accounts.
type TransferTx struct {
	TxType    string         `json:"type"`
	AccountID uint64         `json:"accountId"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Token     string         `json:"token"`
	Amount    *Amount        `json:"amount"`
	Fee       *Amount        `json:"fee"`
	Nonce     uint64         `json:"nonce"`
}

// Type implements Tx.
func (t *TransferTx) Type() string { return "Transfer" }

// Message implements Tx.
func (t *TransferTx) Message() string {
	return strings.Join([]string{
		fmt.Sprintf("Transfer %s %s to: %s", formatUnits(t.Amount.BigInt()), t.Token, strings.ToLower(t.To.Hex())),
		fmt.Sprintf("Fee: %s %s", formatUnits(t.Fee.BigInt()), t.Token),
		fmt.Sprintf("Nonce: %d", t.Nonce),
	}, "\n")
}

// WithdrawTx moves funds from layer 2 to a layer-1 address.
type WithdrawTx struct {
	TxType         string         `json:"type"`
	AccountID      uint64         `json:"accountId"`
	From           common.Address `json:"from"`
	To             common.Address `json:"to"`
	Token          string         `json:"token"`
	Amount         *Amount        `json:"amount"`
	Fee            *Amount        `json:"fee"`
	Nonce          uint64         `json:"nonce"`
	FastProcessing bool           `json:"fastProcessing"`
}

// Type implements Tx.
func (t *WithdrawTx) Type() string { return "Withdraw" }

// Message implements Tx.
func (t *WithdrawTx) Message() string {
	return strings.Join([]string{
		fmt.Sprintf("Withdraw %s %s to: %s", formatUnits(t.Amount.BigInt()), t.Token, strings.ToLower(t.To.Hex())),
		fmt.Sprintf("Fee: %s %s", formatUnits(t.Fee.BigInt()), t.Token),
		fmt.Sprintf("Nonce: %d", t.Nonce),
	}, "\n")
}

// ChangePubKeyTx registers the account's signing key on layer 2.
type ChangePubKeyTx struct {
	TxType      string            `json:"type"`
	AccountID   uint64            `json:"accountId"`
	Account     common.Address    `json:"account"`
	NewPkHash   string            `json:"newPkHash"`
	FeeToken    string            `json:"feeToken"`
	Fee         *Amount           `json:"fee"`
	Nonce       uint64            `json:"nonce"`
	EthAuthData map[string]string `json:"ethAuthData"`
}

// Type implements Tx.
func (t *ChangePubKeyTx) Type() string { return "ChangePubKey" }

// Message implements Tx.
func (t *ChangePubKeyTx) Message() string {
	return strings.Join([]string{
		fmt.Sprintf("Set signing key: %s", strings.TrimPrefix(t.NewPkHash, "sync:")),
		fmt.Sprintf("Fee: %s %s", formatUnits(t.Fee.BigInt()), t.FeeToken),
		fmt.Sprintf("Nonce: %d", t.Nonce),
		fmt.Sprintf("Account Id: %d", t.AccountID),
	}, "\n")
}

// formatUnits renders wei as a decimal ether string without trailing zeros.
func formatUnits(wei *big.Int) string {
	f := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	s := f.FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "0"
	}
	return s
}
