package funding

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/operation"
)

// Requirement is the total a sender spends on one layer across a batch.
type Requirement struct {
	Sender operation.Sender
	Layer  operation.Layer
	Amount *big.Int
	Ops    int
}

type requirementKey struct {
	layer operation.Layer
	addr  common.Address
}

// Requirements aggregates per-sender spending. The sum of every requirement's
// Amount always equals Total.
type Requirements struct {
	order []requirementKey
	by    map[requirementKey]*Requirement
	total *big.Int
}

// NewRequirements returns an empty aggregate.
func NewRequirements() *Requirements {
	return &Requirements{by: make(map[requirementKey]*Requirement), total: new(big.Int)}
}

// Aggregate sums amount plus fee per sender and layer, in first-seen order.
func Aggregate(ops []*operation.Operation) *Requirements {
	r := NewRequirements()
	for _, op := range ops {
		r.Add(op.Sender, op.Layer(), op.Total(), 1)
	}
	return r
}

// Add adds amount to the requirement of s on layer, counting ops operations.
func (r *Requirements) Add(s operation.Sender, layer operation.Layer, amount *big.Int, ops int) {
	key := requirementKey{layer: layer, addr: s.Address()}
	req, ok := r.by[key]
	if !ok {
		req = &Requirement{Sender: s, Layer: layer, Amount: new(big.Int)}
		r.by[key] = req
		r.order = append(r.order, key)
	}
	req.Amount.Add(req.Amount, amount)
	req.Ops += ops
	r.total.Add(r.total, amount)
}

// AddPerSender adds amount once to every existing requirement on layer.
func (r *Requirements) AddPerSender(layer operation.Layer, amount *big.Int) {
	for _, key := range r.order {
		if key.layer == layer {
			r.Add(r.by[key].Sender, layer, amount, 0)
		}
	}
}

// AddPerOp adds amount once per counted operation to every requirement on layer.
func (r *Requirements) AddPerOp(layer operation.Layer, amount *big.Int) {
	for _, key := range r.order {
		if req := r.by[key]; key.layer == layer && req.Ops > 0 {
			r.Add(req.Sender, layer, new(big.Int).Mul(amount, big.NewInt(int64(req.Ops))), 0)
		}
	}
}

// List returns the requirements in first-seen order.
func (r *Requirements) List() []*Requirement {
	out := make([]*Requirement, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.by[key])
	}
	return out
}

// Get returns the requirement of addr on layer, nil if none.
func (r *Requirements) Get(addr common.Address, layer operation.Layer) *Requirement {
	return r.by[requirementKey{layer: layer, addr: addr}]
}

// Total returns the sum over all senders and layers.
func (r *Requirements) Total() *big.Int {
	return new(big.Int).Set(r.total)
}

// Len returns the number of distinct (sender, layer) pairs.
func (r *Requirements) Len() int { return len(r.order) }
