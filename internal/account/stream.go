package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// ActivationChecker reports whether an address already has a layer-2 signing key.
type ActivationChecker interface {
	IsSigningKeySet(ctx context.Context, addr common.Address) (bool, error)
}

// ActivationCache remembers addresses known to be activated.
type ActivationCache interface {
	IsActivated(ctx context.Context, chainID int64, addr common.Address) (bool, error)
	MarkActivated(ctx context.Context, chainID int64, addr common.Address) error
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Start is the first index handed out.
	Start uint32

	// SkipActivated, when set, skips accounts that already have a signing key.
	SkipActivated ActivationChecker

	Logger *slog.Logger
}

// Stream hands out derived accounts at increasing indices.
// Constructing a new Stream with the same Deriver and Start reproduces the sequence.
// A Stream is not safe for concurrent use.
type Stream struct {
	deriver *Deriver
	next    uint32
	skip    ActivationChecker
	logger  *slog.Logger
}

// NewStream creates a stream starting at cfg.Start.
func NewStream(d *Deriver, cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		deriver: d,
		next:    cfg.Start,
		skip:    cfg.SkipActivated,
		logger:  logger,
	}
}

// Index returns the index the next call to Next will try first.
func (s *Stream) Index() uint32 {
	return s.next
}

// Next returns the next account. If the activation filter fails, the index
// is not consumed and the error is returned; calling Next again retries it.
func (s *Stream) Next(ctx context.Context) (*Account, error) {
	for {
		acc, err := s.deriver.Derive(s.next)
		if err != nil {
			return nil, err
		}

		if s.skip != nil {
			active, err := s.skip.IsSigningKeySet(ctx, acc.Address)
			if err != nil {
				return nil, fmt.Errorf("check activation of index %d: %w", s.next, err)
			}
			if active {
				s.logger.Debug("skipping activated account",
					slog.Uint64("index", uint64(s.next)),
					slog.String("address", acc.Address.Hex()),
				)
				s.next++
				continue
			}
		}

		s.next++
		return acc, nil
	}
}

// Take drains Next n times.
func (s *Stream) Take(ctx context.Context, n int) ([]*Account, error) {
	out := make([]*Account, 0, n)
	for range n {
		acc, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// CachingChecker consults a positive cache before asking the network,
// and records newly observed activations.
type CachingChecker struct {
	ChainID int64
	Cache   ActivationCache
	Checker ActivationChecker
	Logger  *slog.Logger
}

// IsSigningKeySet implements ActivationChecker.
func (c *CachingChecker) IsSigningKeySet(ctx context.Context, addr common.Address) (bool, error) {
	if c.Cache != nil {
		known, err := c.Cache.IsActivated(ctx, c.ChainID, addr)
		if err == nil && known {
			return true, nil
		}
		if err != nil && c.Logger != nil {
			c.Logger.Warn("activation cache lookup failed", slog.String("error", err.Error()))
		}
	}

	active, err := c.Checker.IsSigningKeySet(ctx, addr)
	if err != nil {
		return false, err
	}
	if active && c.Cache != nil {
		if err := c.Cache.MarkActivated(ctx, c.ChainID, addr); err != nil && c.Logger != nil {
			c.Logger.Warn("activation cache write failed", slog.String("error", err.Error()))
		}
	}
	return active, nil
}
