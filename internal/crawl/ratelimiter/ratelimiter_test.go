package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiter_Smoothness(t *testing.T) {
	const rps = 100.0
	l := NewLimiter(rps, 0)
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var timestamps []time.Time
	for {
		if err := l.Wait(ctx); err != nil {
			break
		}
		timestamps = append(timestamps, time.Now())
		if len(timestamps) >= 30 {
			break
		}
	}

	if len(timestamps) < 10 {
		t.Fatalf("expected at least 10 acquisitions, got %d", len(timestamps))
	}

	var total time.Duration
	for i := 1; i < len(timestamps); i++ {
		total += timestamps[i].Sub(timestamps[i-1])
	}
	mean := total / time.Duration(len(timestamps)-1)
	wantInterval := time.Duration(float64(time.Second) / rps)

	if mean < wantInterval*9/10 || mean > wantInterval*12/10 {
		t.Errorf("mean inter-arrival %v outside expected band around %v", mean, wantInterval)
	}
}

func TestLimiter_NoAccumulationAfterIdle(t *testing.T) {
	// 10 rps refills every 100ms, so the next tick after the idle period
	// lands well outside the 5ms window below.
	l := NewLimiter(10, 0)
	defer l.Stop()

	// Let the bucket sit idle long enough that, if tokens accumulated,
	// several would be queued up.
	time.Sleep(350 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	// First acquire should succeed immediately (bucket starts full).
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}

	// A second immediate acquire should NOT succeed within the short
	// context timeout, proving no burst was banked during the idle period.
	if err := l.Wait(ctx); err == nil {
		t.Errorf("expected second immediate acquire to block (no token accumulation), but it succeeded")
	}
}

func TestLimiter_UpdateRateTakesEffect(t *testing.T) {
	l := NewLimiter(1, 0)
	defer l.Stop()

	// Drain the initial token.
	_ = l.Wait(context.Background())

	l.UpdateRate(1000)
	if got := l.Rate(); got != 1000 {
		t.Errorf("expected rate 1000, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Errorf("expected fast refill after rate increase, got error: %v", err)
	}
}

func TestLimiter_ConcurrentStress(t *testing.T) {
	l := NewLimiter(1000, 0.1)
	defer l.Stop()

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Wait(ctx); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLimiter_FastPath(t *testing.T) {
	l := NewLimiter(0, 0)
	defer l.Stop()
	if !l.FastPath() {
		t.Errorf("expected FastPath() true when constructed with delay==0")
	}
}
