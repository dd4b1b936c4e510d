package operation

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/rollup"
)

// ErrEmptyPool is returned when a generator has no account to draw from.
var ErrEmptyPool = errors.New("account pool is empty")

// Fees holds the quoted fee per kind. Deposits pay L1 gas and have no entry.
type Fees map[Kind]*big.Int

// Fee returns the fee for kind, nil if none was quoted.
func (f Fees) Fee(k Kind) *big.Int {
	if v, ok := f[k]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return nil
}

// PreparerConfig configures a Preparer.
type PreparerConfig struct {
	Limits config.AmountLimits
	Fees   Fees
	Token  string
	Rand   *rand.Rand // nil uses a randomly seeded source
}

// Preparer builds operations with amounts drawn from the configured limits.
// It is safe for concurrent use.
type Preparer struct {
	limits config.AmountLimits
	fees   Fees
	token  string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPreparer creates a Preparer.
func NewPreparer(cfg PreparerConfig) *Preparer {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	token := cfg.Token
	if token == "" {
		token = rollup.DefaultToken
	}
	return &Preparer{limits: cfg.Limits, fees: cfg.Fees, token: token, rng: rng}
}

func (p *Preparer) draw(r config.Range, packable bool) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if packable {
		return PackableAmount(p.rng, r.Min, r.Max)
	}
	return RandomAmount(p.rng, r.Min, r.Max)
}

func (p *Preparer) pick(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.IntN(n)
}

func (p *Preparer) finish(op *Operation) (*Operation, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", op.Payload.Kind(), err)
	}
	return op, nil
}

// PrepareDeposit builds a deposit of amount from sender's L1 balance to to's L2
// balance. A nil amount is drawn from the deposit limits.
func (p *Preparer) PrepareDeposit(sender Sender, to common.Address, amount *big.Int) (*Operation, error) {
	if amount == nil {
		amount = p.draw(p.limits.Deposit, false)
	}
	return p.finish(&Operation{
		Sender:  sender,
		Amount:  amount,
		Token:   p.token,
		Payload: &Deposit{To: to},
	})
}

// PrepareTransfer builds an L2 transfer. A nil amount is drawn from the transfer limits.
func (p *Preparer) PrepareTransfer(sender Sender, to common.Address, amount *big.Int) (*Operation, error) {
	return p.prepareTransfer(sender, to, amount, p.limits.Transfer)
}

// PrepareTransferToNew is PrepareTransfer drawing from the transfer-to-new limits.
func (p *Preparer) PrepareTransferToNew(sender Sender, to common.Address, amount *big.Int) (*Operation, error) {
	return p.prepareTransfer(sender, to, amount, p.limits.TransferToNew)
}

func (p *Preparer) prepareTransfer(sender Sender, to common.Address, amount *big.Int, r config.Range) (*Operation, error) {
	if amount == nil {
		amount = p.draw(r, true)
	}
	return p.finish(&Operation{
		Sender:  sender,
		Amount:  amount,
		Fee:     p.fees.Fee(KindTransfer),
		Token:   p.token,
		Payload: &Transfer{To: to},
	})
}

// PrepareWithdrawal builds a withdrawal to the sender's own L1 address.
// A nil amount is drawn from the withdraw limits.
func (p *Preparer) PrepareWithdrawal(sender Sender, amount *big.Int) (*Operation, error) {
	if amount == nil {
		amount = p.draw(p.limits.Withdraw, true)
	}
	return p.finish(&Operation{
		Sender:  sender,
		Amount:  amount,
		Fee:     p.fees.Fee(KindWithdraw),
		Token:   p.token,
		Payload: &Withdraw{To: sender.Address()},
	})
}

// PrepareChangePubKey builds a signing key activation for sender.
func (p *Preparer) PrepareChangePubKey(sender Sender) (*Operation, error) {
	return p.finish(&Operation{
		Sender:  sender,
		Amount:  new(big.Int),
		Fee:     p.fees.Fee(KindChangePubKey),
		Token:   p.token,
		Payload: &ChangePubKey{},
	})
}

// GenerateDeposits prepares n deposits from funder to random recipients.
func (p *Preparer) GenerateDeposits(n int, funder Sender, recipients []common.Address) ([]*Operation, error) {
	if len(recipients) == 0 {
		return nil, ErrEmptyPool
	}
	return generate(n, func(int) (*Operation, error) {
		return p.PrepareDeposit(funder, recipients[p.pick(len(recipients))], nil)
	})
}

// Schedule draws n senders from pool uniformly at random, fixing who sends
// each operation before any amount is drawn.
func (p *Preparer) Schedule(n int, pool []Sender) ([]Sender, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	out := make([]Sender, n)
	for i := range out {
		out[i] = pool[p.pick(len(pool))]
	}
	return out, nil
}

// GenerateTransfersToExisting prepares one transfer per entry of senders,
// each to a random pool member other than the sender.
func (p *Preparer) GenerateTransfersToExisting(senders, pool []Sender) ([]*Operation, error) {
	if len(pool) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 accounts, have %d", ErrEmptyPool, len(pool))
	}
	return generate(len(senders), func(i int) (*Operation, error) {
		from := senders[i]
		others := make([]Sender, 0, len(pool))
		for _, s := range pool {
			if s.Address() != from.Address() {
				others = append(others, s)
			}
		}
		if len(others) == 0 {
			return nil, fmt.Errorf("%w: no recipient besides %s", ErrEmptyPool, from.Address().Hex())
		}
		return p.PrepareTransfer(from, others[p.pick(len(others))].Address(), nil)
	})
}

// GenerateTransfersToNew prepares n transfers from funder to recipients drawn
// from a pool disjoint from the senders.
func (p *Preparer) GenerateTransfersToNew(n int, funder Sender, recipients []common.Address) ([]*Operation, error) {
	if len(recipients) == 0 {
		return nil, ErrEmptyPool
	}
	for _, r := range recipients {
		if r == funder.Address() {
			return nil, fmt.Errorf("recipient pool contains sender %s", r.Hex())
		}
	}
	return generate(n, func(int) (*Operation, error) {
		return p.PrepareTransferToNew(funder, recipients[p.pick(len(recipients))], nil)
	})
}

// GenerateWithdrawals prepares one withdrawal per entry of senders, each to
// the sender's own L1 address.
func (p *Preparer) GenerateWithdrawals(senders []Sender) ([]*Operation, error) {
	return generate(len(senders), func(i int) (*Operation, error) {
		return p.PrepareWithdrawal(senders[i], nil)
	})
}

// GenerateChangePubKeys prepares one activation per account in pool, up to n.
func (p *Preparer) GenerateChangePubKeys(n int, pool []Sender) ([]*Operation, error) {
	if n > len(pool) {
		return nil, fmt.Errorf("%w: need %d accounts, have %d", ErrEmptyPool, n, len(pool))
	}
	ops := make([]*Operation, 0, n)
	for _, s := range pool[:n] {
		op, err := p.PrepareChangePubKey(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func generate(n int, next func(i int) (*Operation, error)) ([]*Operation, error) {
	ops := make([]*Operation, 0, n)
	for i := 0; i < n; i++ {
		op, err := next(i)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
