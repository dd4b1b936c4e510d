package executor

import (
	"context"
	"time"

	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/rollup"
)

// Handle is the pending result of submitting one operation.
type Handle struct {
	index int
	op    *operation.Operation

	done        chan struct{}
	inner       rollup.Handle
	err         error
	submittedAt time.Time
}

func newHandle(index int, op *operation.Operation) *Handle {
	return &Handle{index: index, op: op, done: make(chan struct{})}
}

func failedHandle(index int, op *operation.Operation, err error) *Handle {
	h := newHandle(index, op)
	h.complete(nil, err)
	return h
}

func (h *Handle) complete(inner rollup.Handle, err error) {
	h.inner = inner
	h.err = err
	h.submittedAt = time.Now()
	close(h.done)
}

// Index is the operation's position in the executed batch.
func (h *Handle) Index() int { return h.index }

// Operation returns the operation as submitted, with its assigned nonce.
func (h *Handle) Operation() *operation.Operation { return h.op }

// Done is closed once the submission call has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until submission finishes and returns the network handle or
// the submission error.
func (h *Handle) Wait(ctx context.Context) (rollup.Handle, error) {
	select {
	case <-h.done:
		return h.inner, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmittedAt is when the submission call returned. Zero until Done.
func (h *Handle) SubmittedAt() time.Time {
	select {
	case <-h.done:
		return h.submittedAt
	default:
		return time.Time{}
	}
}
