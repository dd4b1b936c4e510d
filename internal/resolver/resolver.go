// Package resolver awaits the settlement and, where configured, the finality
// of executed operations.
package resolver

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/executor"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/rollup"
)

// Result is the outcome of one operation.
type Result struct {
	Index  int
	Kind   operation.Kind
	Sender common.Address
	Nonce  *uint64
	Amount *big.Int
	Hash   string

	Success    bool
	FailReason string

	Settlement *rollup.Receipt
	Finality   *rollup.Receipt

	SettlementLatency time.Duration
	FinalityLatency   time.Duration

	// Err is set when a receipt could not be obtained at all (submission
	// failed, transport error, deadline).
	Err error
}

// Policy says per kind whether the verification receipt is awaited.
type Policy map[operation.Kind]bool

// AwaitFinality reports whether kind waits for finality.
func (p Policy) AwaitFinality(kind operation.Kind) bool { return p[kind] }

// PolicyFromConfig converts the configured per-kind finality switches.
func PolicyFromConfig(f config.FinalityPolicy) Policy {
	return Policy{
		operation.KindDeposit:      f.Deposit,
		operation.KindTransfer:     f.Transfer,
		operation.KindWithdraw:     f.Withdraw,
		operation.KindChangePubKey: f.ChangePubKey,
	}
}

// Recorder observes resolutions.
type Recorder interface {
	RecordSettled(kind operation.Kind, latency time.Duration)
	RecordRejected(kind operation.Kind, reason string)
	RecordFinalized(kind operation.Kind, latency time.Duration)
	RecordUnfinalized(kind operation.Kind, reason string)
}

// Config configures a Resolver.
type Config struct {
	Policy      Policy
	Concurrency int // max handles awaited at once (default: 50)
	Recorder    Recorder
	Logger      *slog.Logger
}

// Resolver turns execution handles into results.
type Resolver struct {
	policy      Policy
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = Policy{}
	}
	return &Resolver{policy: policy, concurrency: concurrency, recorder: cfg.Recorder, logger: logger}
}

// Resolve awaits every handle and returns exactly one Result per handle, in
// input order. There is no built-in timeout: bound ctx to limit the wait.
func (r *Resolver) Resolve(ctx context.Context, handles []*executor.Handle) []Result {
	results := make([]Result, len(handles))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, h := range handles {
		g.Go(func() error {
			results[i] = r.resolve(ctx, h)
			results[i].Index = i
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Resolver) resolve(ctx context.Context, h *executor.Handle) Result {
	var res Result
	if op := h.Operation(); op != nil {
		res.Nonce, res.Amount = op.Nonce, op.Amount
		if op.Payload != nil {
			res.Kind = op.Kind()
		}
		if op.Sender != nil {
			res.Sender = op.Sender.Address()
		}
	}

	inner, err := h.Wait(ctx)
	if err != nil {
		// Submission failures are recorded by the executor.
		res.Err = err
		res.FailReason = err.Error()
		return res
	}
	res.Hash = inner.Hash()

	receipt, err := inner.AwaitReceipt(ctx)
	if err != nil {
		res.Err = err
		res.FailReason = err.Error()
		r.rejected(res)
		return res
	}
	res.Settlement = receipt
	res.SettlementLatency = time.Since(h.SubmittedAt())
	if !receipt.Success {
		res.FailReason = receipt.FailReason
		r.rejected(res)
		return res
	}
	res.Success = true
	if r.recorder != nil {
		r.recorder.RecordSettled(res.Kind, res.SettlementLatency)
	}

	if !r.policy.AwaitFinality(res.Kind) {
		return res
	}

	verify, err := inner.AwaitVerifyReceipt(ctx)
	if err != nil {
		res.Success = false
		res.Err = err
		res.FailReason = "finality not observed: " + err.Error()
		r.unfinalized(res)
		return res
	}
	res.Finality = verify
	res.FinalityLatency = time.Since(h.SubmittedAt())
	if !verify.Success {
		res.Success = false
		res.FailReason = verify.FailReason
		r.unfinalized(res)
		return res
	}
	if r.recorder != nil {
		r.recorder.RecordFinalized(res.Kind, res.FinalityLatency)
	}
	return res
}

func (r *Resolver) rejected(res Result) {
	if r.recorder != nil {
		r.recorder.RecordRejected(res.Kind, res.FailReason)
	}
	r.logger.Warn("operation failed",
		slog.String("kind", res.Kind.String()),
		slog.String("sender", res.Sender.Hex()),
		slog.String("hash", res.Hash),
		slog.String("reason", res.FailReason),
	)
}

// unfinalized reports a settled operation that failed its finality stage.
func (r *Resolver) unfinalized(res Result) {
	if r.recorder != nil {
		r.recorder.RecordUnfinalized(res.Kind, res.FailReason)
	}
	r.logger.Warn("finality not observed",
		slog.String("kind", res.Kind.String()),
		slog.String("hash", res.Hash),
		slog.String("reason", res.FailReason),
	)
}

// Count returns the number of successful and failed results.
func Count(results []Result) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
