// Package sender dispatches submissions onto goroutines with bounded concurrency.
package sender

import (
	"context"
	"log/slog"
	"sync"
)

// Sender runs submission funcs asynchronously with semaphore-based backpressure.
type Sender struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Concurrency int // Max concurrent submissions (default: 500)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 500
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// Go runs fn on a new goroutine once a slot is free. It blocks while the
// sender is at capacity and returns ctx.Err() if ctx ends first, in which
// case fn is never called.
func (s *Sender) Go(ctx context.Context, fn func()) error {
	select {
	case s.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.spawn(fn)
	return nil
}

func (s *Sender) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.semaphore
			s.wg.Done()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("submission panicked", slog.Any("panic", r))
			}
		}()
		fn()
	}()
}

// Wait blocks until every dispatched func has returned.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// InFlight returns the number of submissions currently running.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}
