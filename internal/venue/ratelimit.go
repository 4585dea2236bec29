// ratelimit.go implements a smooth token-bucket rate limiter, the same shape
// used by every signed-REST venue in the retrieved pack: continuous refill
// rather than bursty per-window counters, so callers degrade gracefully
// instead of sawtoothing against the venue's limiter.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Wait blocks until a
// token is available or ctx is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// steady-state refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
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

// RetryBackoff implements exponential backoff: 1,2,4,8,16s, capped at
// maxAttempts attempts, retried only when shouldRetry(err)
// reports true (the 429-equivalent condition). It returns the last error if
// every attempt is exhausted.
func RetryBackoff(ctx context.Context, base time.Duration, maxAttempts int, shouldRetry func(error) bool, op func(ctx context.Context) error) error {
	delay := base
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if maxDelay := base * (1 << 4); delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}
