package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	s := New(Config{})
	if cap(s.semaphore) != 500 {
		t.Errorf("concurrency = %d, want 500", cap(s.semaphore))
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", s.InFlight())
	}
}

func TestGoRunsAll(t *testing.T) {
	s := New(Config{Concurrency: 4})
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		if err := s.Go(context.Background(), func() { n.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	s.Wait()
	if n.Load() != 50 {
		t.Errorf("ran %d funcs, want 50", n.Load())
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Wait", s.InFlight())
	}
}

func TestGoBoundsConcurrency(t *testing.T) {
	s := New(Config{Concurrency: 3})
	var cur, peak atomic.Int32
	for i := 0; i < 20; i++ {
		_ = s.Go(context.Background(), func() {
			c := cur.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
		})
	}
	s.Wait()
	if peak.Load() > 3 {
		t.Errorf("peak concurrency %d, want <= 3", peak.Load())
	}
}

func TestGoContextCancelled(t *testing.T) {
	s := New(Config{Concurrency: 1})
	release := make(chan struct{})
	_ = s.Go(context.Background(), func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	called := false
	if err := s.Go(ctx, func() { called = true }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Go() = %v, want DeadlineExceeded", err)
	}
	close(release)
	s.Wait()
	if called {
		t.Error("func ran after cancelled dispatch")
	}
}

func TestPanicReleasesSlot(t *testing.T) {
	s := New(Config{Concurrency: 1})
	var wg sync.WaitGroup
	wg.Add(1)
	_ = s.Go(context.Background(), func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
	s.Wait()
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d after panic, want 0", s.InFlight())
	}
}
