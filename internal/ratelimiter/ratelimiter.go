// Package ratelimiter throttles wire protocol requests per connection.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket over golang.org/x/time/rate.
//
// The wire adapter creates one limiter per client connection and waits
// on it before dispatching each request, so a chatty app slows down
// instead of starving the single-channel driver for everyone else.
//
// Tokens accrue at the sustained rate; burst is the bucket capacity,
// allowing short spikes above it. All methods are safe for concurrent
// use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the given sustained rate and burst
// capacity.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// A requestsPerSecond of 0 disables throttling: the limiter is still
// returned so callers need no nil checks, but Wait never blocks.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		// A zero-capacity bucket would reject everything; hold at
		// least one token so the sustained rate alone applies.
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether a request may proceed right now, consuming a
// token if so. This is the non-blocking path for callers that reject
// over-limit requests instead of delaying them.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns nil once a token is acquired, or the context error if the
// caller gave up first. The wire adapter uses this to throttle rather
// than reject: the client sees latency, not failures.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens, for tests and
// debugging. The value may change immediately after the call.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
