// ratelimit.go throttles REST traffic to the CLOB's published limits.
//
// The venue measures limits per category over 10-second windows. Instead of
// bursting a full window's allowance and then stalling, each category gets a
// token bucket that refills continuously at 1/10th the window rate.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling rate limiter. Wait blocks until a
// token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, sleeping until one accrues if the bucket is dry.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by API endpoint category. Each request path
// calls the matching bucket's Wait before hitting the wire.
type RateLimiter struct {
	Order  *TokenBucket // POST /order, /orders
	Cancel *TokenBucket // DELETE /order, /cancel-all
	Book   *TokenBucket // reads: /book, /data/order, /tick-size, /neg-risk
}

// NewRateLimiter sizes each bucket to the venue's 10-second burst allowance.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s
		Book:   NewTokenBucket(150, 15), // 1500 per 10s
	}
}
