// Package ratelimit paces operation submission at a fixed interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no closer together than its interval. The first
// permit is immediate. A caller that falls behind schedule does not earn a
// burst: the next permit is scheduled one interval after the late one.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// NewInterval creates a Limiter with a fixed interval. Zero disables waiting.
func NewInterval(interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{interval: interval}
}

// Wait blocks until the next permit or until ctx is done. A cancelled wait
// hands its slot back if no later permit has been issued.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	l.mu.Lock()
	permit := l.next
	if permit.Before(now) {
		permit = now
	}
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	wait := permit.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.next.Equal(permit.Add(l.interval)) {
			l.next = permit
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the minimum spacing between permits.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
