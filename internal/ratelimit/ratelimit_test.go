package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/xylen-coordinator/internal/ratelimit"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	b := ratelimit.NewTokenBucket(60, 1.0) // 60/min, no buffer -> capacity 60, refill 1/s

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 60; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v, want immediate success within capacity", i, err)
		}
	}
}

func TestTokenBucketBlocksBeyondCapacityThenRefills(t *testing.T) {
	b := ratelimit.NewTokenBucket(60, 1.0) // refill = 1 token/sec
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
	}

	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() after exhaustion error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("expected to wait roughly 1s for a refill, waited %v", elapsed)
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	b := ratelimit.NewTokenBucket(1, 1.0)
	ctx := context.Background()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Acquire(cancelCtx); err == nil {
		t.Fatal("expected Acquire() to return an error for an already-cancelled context")
	}
}

func TestRateLimiterAdmitsWithinWindow(t *testing.T) {
	r := ratelimit.NewRateLimiter(5, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := r.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v, want immediate success within burst", i, err)
		}
	}
}
