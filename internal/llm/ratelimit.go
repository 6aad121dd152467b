package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token-bucket limiter per named resource (an LLM
// provider, or the WorldCat/Alma clients that embed the same shape).
// One instance is shared across every goroutine hitting that resource
// so intra-stage fan-out via errgroup can't exceed the configured rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing ratePerSecond sustained
// requests with a burst of burst.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed right now, consuming a
// token if so. Used where a caller wants to back off rather than block.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
