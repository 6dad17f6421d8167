package capapi

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces outbound calls to one provider. A 429 halves the
// rate (down to a quarter of the initial rate); each success raises it by
// 20% (up to the initial rate). The catalog rate is the ceiling.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	provider    string
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter returns nil when perSecond is not positive; a nil
// limiter never blocks.
func NewAdaptiveLimiter(provider string, perSecond float64) *AdaptiveLimiter {
	if perSecond <= 0 {
		return nil
	}
	r := rate.Limit(perSecond)
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, 1),
		provider:    provider,
		initialRate: r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the limiter admits one call.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate back toward the configured ceiling.
func (a *AdaptiveLimiter) OnSuccess() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.currentRate * 1.2
	if next > a.initialRate {
		next = a.initialRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
}

// OnRateLimit halves the rate after the provider answered 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.currentRate * 0.5
	if next < a.minRate {
		next = a.minRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
	zap.L().Warn("capapi: provider returned 429, reducing rate",
		zap.String("provider", a.provider),
		zap.Float64("new_rate", float64(next)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	if a == nil {
		return rate.Inf
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
