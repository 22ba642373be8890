// Package ratelimit implements the ExchangeClient's two independent
// token-bucket limiters: a general-purpose bucket in the teacher's own
// hand-rolled shape (internal/execution/adapters/binance.go's RateLimiter),
// and an orders bucket built on golang.org/x/time/rate for the tighter,
// burst-sensitive admission control order placement needs.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by both bucket implementations below.
type Limiter interface {
	// Acquire blocks until a token is available or ctx is done.
	Acquire(ctx context.Context) error
}

// TokenBucket is a capacity/refill-rate limiter serialized by a mutex — the
// general-purpose bucket's shape. Each waiter re-checks the bucket on its own;
// the order in which concurrent waiters are admitted is not defined.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket builds a bucket with the given capacity and refill rate
// expressed as tokens per minute, matching Binance's per-minute limit
// vocabulary; buffer scales capacity down defensively (e.g. 0.8 keeps 20%
// headroom below the exchange's hard limit).
func NewTokenBucket(capacityPerMinute int, buffer float64) *TokenBucket {
	cap := float64(capacityPerMinute) * buffer
	return &TokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: cap / 60.0,
		lastRefill: time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = minF(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Acquire blocks until a token is available or ctx is cancelled.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		wait := time.Duration(deficit/b.refillRate*1000) * time.Millisecond
		b.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimiter is the orders bucket, built on golang.org/x/time/rate for
// precise sub-minute burst control (e.g. 50 orders per 10s).
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter builds a limiter admitting perWindow events per window,
// normalized to an equivalent tokens-per-second rate with a burst equal to
// the window's full allotment.
func NewRateLimiter(perWindow int, window time.Duration) *RateLimiter {
	r := rate.Limit(float64(perWindow) / window.Seconds())
	return &RateLimiter{l: rate.NewLimiter(r, perWindow)}
}

func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.l.Wait(ctx)
}
