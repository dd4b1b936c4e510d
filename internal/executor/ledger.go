package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/operation"
)

// ErrNonceUnavailable is returned when a sender's starting nonce cannot be read.
var ErrNonceUnavailable = errors.New("nonce unavailable")

type ledgerKey struct {
	layer operation.Layer
	addr  common.Address
}

// NonceLedger hands out consecutive nonces per sender and layer. The first
// request for a sender reads its pending nonce from the network; later
// requests increment locally.
type NonceLedger struct {
	mu   sync.Mutex
	next map[ledgerKey]uint64
}

// NewNonceLedger creates an empty ledger.
func NewNonceLedger() *NonceLedger {
	return &NonceLedger{next: make(map[ledgerKey]uint64)}
}

// Next returns the nonce for the sender's next operation on layer. A failed
// lookup leaves the ledger untouched so a later call retries it.
func (l *NonceLedger) Next(ctx context.Context, s operation.Sender, layer operation.Layer) (uint64, error) {
	key := ledgerKey{layer: layer, addr: s.Address()}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.next[key]
	if !ok {
		pending, err := s.Nonce(ctx, layer)
		if err != nil {
			return 0, fmt.Errorf("%w: %s on %s: %v", ErrNonceUnavailable, key.addr.Hex(), layer, err)
		}
		n = pending
	}
	l.next[key] = n + 1
	return n, nil
}

// Len returns the number of tracked senders.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.next)
}
