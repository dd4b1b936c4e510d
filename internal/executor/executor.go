// Package executor submits prepared operations at a controlled rate,
// assigning per-sender nonces before each asynchronous submission.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/ratelimit"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/sender"
)

var errNilOperation = errors.New("nil operation")

// Recorder observes submissions.
type Recorder interface {
	RecordSubmitted(kind operation.Kind)
	RecordSubmitFailed(kind operation.Kind, reason string)
}

// Config configures an Executor.
type Config struct {
	Concurrency int // max in-flight submission calls (default: 100)
	Recorder    Recorder
	Logger      *slog.Logger
}

// Executor runs batches of operations.
type Executor struct {
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{concurrency: concurrency, recorder: cfg.Recorder, logger: logger}
}

// Execute submits ops in order, waiting delay between consecutive
// submissions, and returns one Handle per op in input order. It returns once
// every submission has been dispatched; handles complete asynchronously.
//
// Nonces are assigned in the calling goroutine before dispatch. Submissions
// from one sender reach the network in nonce order. Failures of any kind are
// captured in the handle and never stop the batch.
func (e *Executor) Execute(ctx context.Context, ops []*operation.Operation, delay time.Duration) []*Handle {
	var (
		ledger  = NewNonceLedger()
		limiter = ratelimit.NewInterval(delay)
		pool    = sender.New(sender.Config{Concurrency: e.concurrency, Logger: e.logger})
		last    = make(map[ledgerKey]*Handle)
		handles = make([]*Handle, len(ops))
	)

	for i, op := range ops {
		if err := limiter.Wait(ctx); err != nil {
			handles[i] = e.fail(i, op, err)
			continue
		}
		if op == nil {
			handles[i] = e.fail(i, op, errNilOperation)
			continue
		}
		if err := op.Validate(); err != nil {
			handles[i] = e.fail(i, op, fmt.Errorf("invalid operation: %w", err))
			continue
		}

		layer := op.Layer()
		pinned := op
		if op.Nonce == nil {
			n, err := ledger.Next(ctx, op.Sender, layer)
			if err != nil {
				handles[i] = e.fail(i, op, err)
				continue
			}
			pinned = op.WithNonce(n)
		}

		h := newHandle(i, pinned)
		key := ledgerKey{layer: layer, addr: op.Sender.Address()}
		prev := last[key]
		last[key] = h

		err := pool.Go(ctx, func() {
			if prev != nil {
				<-prev.done
			}
			e.submit(ctx, h)
		})
		if err != nil {
			e.recordFailure(h.op, err)
			h.complete(nil, err)
		}
		handles[i] = h
	}

	e.logger.Info("batch dispatched",
		slog.Int("operations", len(ops)),
		slog.Int("senders", ledger.Len()),
		slog.Int("in_flight", pool.InFlight()),
	)
	go func() {
		pool.Wait()
		e.logger.Debug("batch submissions returned", slog.Int("operations", len(ops)))
	}()
	return handles
}

func (e *Executor) submit(ctx context.Context, h *Handle) {
	op := h.op
	inner, err := e.call(ctx, op)
	if err != nil {
		e.recordFailure(op, err)
		h.complete(nil, err)
		return
	}

	if e.recorder != nil {
		e.recorder.RecordSubmitted(op.Kind())
	}
	e.logger.Debug("operation submitted",
		slog.Int("index", h.index),
		slog.String("kind", op.Kind().String()),
		slog.String("sender", op.Sender.Address().Hex()),
		slog.Uint64("nonce", *op.Nonce),
		slog.String("hash", inner.Hash()),
	)
	h.complete(inner, nil)
}

func (e *Executor) call(ctx context.Context, op *operation.Operation) (inner rollup.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			inner, err = nil, fmt.Errorf("submit %s panicked: %v", op.Kind(), r)
		}
	}()
	inner, err = op.Sender.Submit(ctx, op)
	if err == nil && inner == nil {
		err = fmt.Errorf("submit %s: no handle returned", op.Kind())
	}
	return inner, err
}

func (e *Executor) fail(i int, op *operation.Operation, err error) *Handle {
	e.recordFailure(op, err)
	return failedHandle(i, op, err)
}

func (e *Executor) recordFailure(op *operation.Operation, err error) {
	attrs := []any{slog.String("error", err.Error())}
	if op != nil && op.Payload != nil {
		attrs = append(attrs, slog.String("kind", op.Kind().String()))
		if e.recorder != nil {
			e.recorder.RecordSubmitFailed(op.Kind(), err.Error())
		}
	}
	e.logger.Warn("operation submission failed", attrs...)
}
