// rate_limiter.go - Per-caller rate limiting of transfer submissions
package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// CallerRateLimiter keeps one token bucket per caller.
type CallerRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewCallerRateLimiter allows each caller perSecond requests on average with
// bursts up to burst.
func NewCallerRateLimiter(perSecond float64, burst int) *CallerRateLimiter {
	return &CallerRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *CallerRateLimiter) limiter(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[caller] = lim
	}
	return lim
}

// Allow reports whether caller may submit now and consumes a token if so.
func (l *CallerRateLimiter) Allow(caller string) bool {
	return l.limiter(caller).Allow()
}

// Reset forgets caller's bucket.
func (l *CallerRateLimiter) Reset(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, caller)
}

// ResetAll forgets every bucket.
func (l *CallerRateLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
