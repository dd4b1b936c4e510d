// Package operation defines prepared rollup operations and the preparers that
// build them from a pool of senders.
package operation

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/rollup"
)

// Kind is the operation discriminator.
type Kind int

const (
	KindDeposit Kind = iota
	KindTransfer
	KindWithdraw
	KindChangePubKey
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindDeposit, KindTransfer, KindWithdraw, KindChangePubKey}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindTransfer:
		return "transfer"
	case KindWithdraw:
		return "withdraw"
	case KindChangePubKey:
		return "change_pubkey"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Layer is the chain a sender's nonce lives on.
type Layer int

const (
	L1 Layer = iota + 1
	L2
)

func (l Layer) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return "unknown"
	}
}

// Sender is an account that can submit operations.
type Sender interface {
	Address() common.Address

	// Nonce returns the next usable nonce on layer.
	Nonce(ctx context.Context, layer Layer) (uint64, error)

	// Submit sends op and returns a handle tracking it. Submit does not wait for settlement.
	Submit(ctx context.Context, op *Operation) (rollup.Handle, error)
}

// Payload is the kind-specific part of an Operation.
// Implementations: *Deposit, *Transfer, *Withdraw, *ChangePubKey.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Deposit moves funds from the sender's L1 balance into To's L2 balance.
type Deposit struct {
	To common.Address
}

// Transfer moves funds between L2 accounts.
type Transfer struct {
	To common.Address
}

// Withdraw moves funds from L2 to an L1 address.
type Withdraw struct {
	To             common.Address
	FastProcessing bool
}

// ChangePubKey registers the sender's signing key on L2.
type ChangePubKey struct{}

func (*Deposit) Kind() Kind      { return KindDeposit }
func (*Transfer) Kind() Kind     { return KindTransfer }
func (*Withdraw) Kind() Kind     { return KindWithdraw }
func (*ChangePubKey) Kind() Kind { return KindChangePubKey }

func (*Deposit) isPayload()      {}
func (*Transfer) isPayload()     {}
func (*Withdraw) isPayload()     {}
func (*ChangePubKey) isPayload() {}

// Operation is a fully specified operation ready for execution.
// It is not modified after preparation; the executor passes the assigned
// nonce through a copy.
type Operation struct {
	Sender  Sender
	Amount  *big.Int
	Fee     *big.Int // nil for deposits, which pay L1 gas instead
	Token   string
	Nonce   *uint64 // pinned nonce; nil means assigned at execution
	Payload Payload
}

// Kind returns the payload kind.
func (o *Operation) Kind() Kind { return o.Payload.Kind() }

// Layer returns the layer whose nonce the operation consumes.
func (o *Operation) Layer() Layer {
	if _, ok := o.Payload.(*Deposit); ok {
		return L1
	}
	return L2
}

// Recipient returns the destination address, or the zero address for ChangePubKey.
func (o *Operation) Recipient() common.Address {
	switch p := o.Payload.(type) {
	case *Deposit:
		return p.To
	case *Transfer:
		return p.To
	case *Withdraw:
		return p.To
	default:
		return common.Address{}
	}
}

// Total returns amount plus fee: what the sender spends on its nonce layer.
func (o *Operation) Total() *big.Int {
	total := new(big.Int)
	if o.Amount != nil {
		total.Add(total, o.Amount)
	}
	if o.Fee != nil {
		total.Add(total, o.Fee)
	}
	return total
}

// WithNonce returns a copy of o pinned to nonce.
func (o *Operation) WithNonce(nonce uint64) *Operation {
	cp := *o
	cp.Nonce = &nonce
	return &cp
}

var (
	errNoSender   = errors.New("operation has no sender")
	errNoPayload  = errors.New("operation has no payload")
	errNegative   = errors.New("amount must be non-negative")
	errNegFee     = errors.New("fee must be non-negative")
	errNoAmount   = errors.New("amount is required")
	errSelfDirect = errors.New("transfer recipient equals sender")
)

// Validate checks the shared fields and the payload.
func (o *Operation) Validate() error {
	if o.Sender == nil {
		return errNoSender
	}
	if o.Payload == nil {
		return errNoPayload
	}
	if o.Amount == nil {
		return errNoAmount
	}
	if o.Amount.Sign() < 0 {
		return errNegative
	}
	if o.Fee != nil && o.Fee.Sign() < 0 {
		return errNegFee
	}
	if t, ok := o.Payload.(*Transfer); ok && t.To == o.Sender.Address() {
		return errSelfDirect
	}
	return nil
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s %s from %s to %s", o.Kind(), o.Amount, o.Sender.Address().Hex(), o.Recipient().Hex())
}
