package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
)

// Store persists bucket counters. Reserve must be atomic across all buckets:
// either every counter is incremented by cost or none is.
type Store interface {
	// Reserve adds cost to every bucket when each bucket with a non-zero limit
	// has headroom for the full cost. It returns whether the reservation was
	// made and the counters after the call, in bucket order.
	Reserve(ctx context.Context, providerID string, buckets []Bucket, cost int64) (bool, []int64, error)
	// Release subtracts cost from the buckets, never going below zero.
	Release(ctx context.Context, providerID string, buckets []Bucket, cost int64) error
	// Counts returns the current counters for the buckets.
	Counts(ctx context.Context, providerID string, buckets []Bucket) ([]int64, error)
}

// DeniedError is returned by TryReserve when some window lacks headroom.
// RetryAfter is the wait until the blocking window rolls over.
type DeniedError struct {
	ProviderID string
	Window     Window
	Used       int64
	Limit      int64
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota: %s %s window exhausted (%d/%d), retry after %s",
		e.ProviderID, e.Window, e.Used, e.Limit, e.RetryAfter)
}

// Unwrap lets errors.Is match resilience.ErrQuotaExhausted.
func (e *DeniedError) Unwrap() error { return resilience.ErrQuotaExhausted }

// Reservation records consumed quota so a non-billable failure can give it back.
type Reservation struct {
	ProviderID string
	Cost       int64
	Buckets    []Bucket
	ReservedAt time.Time
}

// Limiter gates provider calls on their quota limits. Providers without
// registered limits are unlimited but still counted.
type Limiter struct {
	store   Store
	loc     *time.Location
	nowFunc func() time.Time

	mu     sync.RWMutex
	limits map[string]model.QuotaLimits
}

// NewLimiter creates a Limiter over store with windows aligned in loc
// (UTC when nil).
func NewLimiter(store Store, loc *time.Location) *Limiter {
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		store:   store,
		loc:     loc,
		nowFunc: time.Now,
		limits:  make(map[string]model.QuotaLimits),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.nowFunc = now
	return l
}

// SetLimits registers or replaces the limits for a provider.
func (l *Limiter) SetLimits(providerID string, limits model.QuotaLimits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[providerID] = limits
}

// Limits returns the registered limits for a provider.
func (l *Limiter) Limits(providerID string) model.QuotaLimits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits[providerID]
}

// TryReserve consumes cost units from every window of the provider, or none
// of them. On denial it returns a *DeniedError.
func (l *Limiter) TryReserve(ctx context.Context, providerID string, cost int64) (*Reservation, error) {
	if cost <= 0 {
		return nil, eris.Errorf("quota: cost must be positive, got %d", cost)
	}
	now := l.nowFunc()
	buckets := bucketsAt(now, l.loc, l.Limits(providerID))

	ok, counts, err := l.store.Reserve(ctx, providerID, buckets, cost)
	if err != nil {
		return nil, eris.Wrapf(err, "quota: reserve %s", providerID)
	}
	if !ok {
		denied := deniedFor(providerID, buckets, counts, cost, now)
		zap.L().Debug("quota: reservation denied",
			zap.String("provider", providerID),
			zap.String("window", string(denied.Window)),
			zap.Int64("used", denied.Used),
			zap.Int64("limit", denied.Limit),
			zap.Duration("retry_after", denied.RetryAfter),
		)
		return nil, denied
	}
	return &Reservation{ProviderID: providerID, Cost: cost, Buckets: buckets, ReservedAt: now}, nil
}

// deniedFor picks the blocking window with the longest wait, since retrying
// before it rolls over cannot succeed.
func deniedFor(providerID string, buckets []Bucket, counts []int64, cost int64, now time.Time) *DeniedError {
	var out *DeniedError
	for i, b := range buckets {
		if b.Limit <= 0 || i >= len(counts) || counts[i]+cost <= b.Limit {
			continue
		}
		wait := b.End.Sub(now)
		if out == nil || wait > out.RetryAfter {
			out = &DeniedError{ProviderID: providerID, Window: b.Window, Used: counts[i], Limit: b.Limit, RetryAfter: wait}
		}
	}
	if out == nil {
		// The store refused without an exhausted counter in view; fall back to
		// the shortest window.
		b := buckets[0]
		out = &DeniedError{ProviderID: providerID, Window: b.Window, Limit: b.Limit, RetryAfter: b.End.Sub(now)}
	}
	return out
}

// Rollback returns a reservation's units. Only for failures that were not
// billed; buckets that already rolled over are left alone.
func (l *Limiter) Rollback(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	return eris.Wrapf(l.store.Release(ctx, r.ProviderID, r.Buckets, r.Cost), "quota: rollback %s", r.ProviderID)
}

// Usage returns a snapshot of the provider's consumed quota. Utilization is
// the highest used/limit fraction across limited windows.
func (l *Limiter) Usage(ctx context.Context, providerID string) (model.QuotaUsage, error) {
	buckets := bucketsAt(l.nowFunc(), l.loc, l.Limits(providerID))
	counts, err := l.store.Counts(ctx, providerID, buckets)
	if err != nil {
		return model.QuotaUsage{}, eris.Wrapf(err, "quota: usage %s", providerID)
	}

	var u model.QuotaUsage
	for i, b := range buckets {
		n := counts[i]
		switch b.Window {
		case WindowMinute:
			u.Minute = n
		case WindowHour:
			u.Hour = n
		case WindowDay:
			u.Day = n
		}
		if b.Limit <= 0 {
			continue
		}
		if frac := float64(n) / float64(b.Limit); frac > u.Utilization {
			u.Utilization = frac
		}
		if n >= b.Limit {
			u.Exhausted = true
		}
	}
	if u.Utilization > 1 {
		u.Utilization = 1
	}
	return u, nil
}
