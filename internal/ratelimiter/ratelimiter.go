// Package ratelimiter provides token-bucket rate limiting over
// golang.org/x/time/rate: a sustained rate plus a burst capacity, with a
// non-blocking fast path for callers that shed load instead of queueing.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// effectively unlimited; rate.Inf has awkward SetLimit interactions.
const unlimited = 1_000_000_000

// RateLimiter is a thread-safe token bucket: tokens accrue at the sustained
// rate, each permitted event consumes one, and the burst size caps how many
// can be consumed back to back.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing requestsPerSecond sustained and burst
// immediate events. A zero requestsPerSecond disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether one event may proceed now, consuming a token when it
// may. It never blocks; callers that prefer deferring to rejecting should
// use Wait.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit updates the sustained rate; zero disables limiting.
func (r *RateLimiter) SetLimit(requestsPerSecond uint) {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
	}
	r.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Tokens returns the current bucket level, for monitoring.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
