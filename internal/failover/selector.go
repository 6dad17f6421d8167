// Package failover picks the provider that serves each capability call and
// demotes providers that keep failing.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/quota"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
)

// ErrNoProviderAvailable means every provider for a capability was disabled,
// throttled, circuit-open or out of quota.
var ErrNoProviderAvailable = eris.New("failover: no provider available")

// NoProviderError carries the shortest quota wait seen while selecting.
// RetryAfter is zero when no candidate was denied on quota.
type NoProviderError struct {
	Capability  model.Capability
	RetryAfter  time.Duration
	QuotaDenied int
	Skipped     int
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("failover: no provider available for %s (%d quota denied, %d skipped, retry after %s)",
		e.Capability, e.QuotaDenied, e.Skipped, e.RetryAfter)
}

// Unwrap lets errors.Is match ErrNoProviderAvailable.
func (e *NoProviderError) Unwrap() error { return ErrNoProviderAvailable }

// Selector chooses providers in order of state, priority, health score and
// least recent use, reserving quota on the first that admits the call.
type Selector struct {
	registry *registry.Registry
	limiter  *quota.Limiter
	breakers *resilience.ProviderBreakers
	nowFunc  func() time.Time
}

// NewSelector creates a Selector. breakers may be nil to disable demotion.
func NewSelector(reg *registry.Registry, limiter *quota.Limiter, breakers *resilience.ProviderBreakers) *Selector {
	return &Selector{registry: reg, limiter: limiter, breakers: breakers, nowFunc: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.nowFunc = now
	return s
}

// Candidates returns the capability's providers in selection order, including
// those that would be skipped.
func (s *Selector) Candidates(c model.Capability) []model.Provider {
	providers := s.registry.ForCapability(c)
	sort.SliceStable(providers, func(i, j int) bool {
		a, b := providers[i], providers[j]
		if ra, rb := stateRank(a.State), stateRank(b.State); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.HealthScore != b.HealthScore {
			return a.HealthScore > b.HealthScore
		}
		return lessRecentlyUsed(a.LastUsedAt, b.LastUsedAt)
	})
	return providers
}

func stateRank(s model.ProviderState) int {
	switch s {
	case model.ProviderActive:
		return 0
	case model.ProviderThrottled:
		return 1
	default:
		return 2
	}
}

// lessRecentlyUsed orders never-used providers first, then oldest use first.
func lessRecentlyUsed(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return a.Before(*b)
	}
}

// AcquireProvider returns a handle on the first eligible provider with quota
// for cost units. A cost of zero uses the provider's catalog cost.
func (s *Selector) AcquireProvider(ctx context.Context, c model.Capability, cost int64) (*Handle, error) {
	log := zap.L().With(zap.String("component", "failover"), zap.String("capability", string(c)))
	noProvider := &NoProviderError{Capability: c}

	for _, p := range s.Candidates(c) {
		if p.State != model.ProviderActive {
			noProvider.Skipped++
			continue
		}
		client, ok := s.registry.Client(p.ID)
		if !ok {
			log.Debug("failover: provider has no client", zap.String("provider", p.ID))
			noProvider.Skipped++
			continue
		}
		var breaker *resilience.CircuitBreaker
		if s.breakers != nil {
			breaker = s.breakers.Get(p.ID)
			if !breaker.Ready() {
				log.Debug("failover: circuit open", zap.String("provider", p.ID))
				noProvider.Skipped++
				continue
			}
		}

		units := cost
		if units <= 0 {
			units = p.CostUnits
		}
		if units <= 0 {
			units = 1
		}

		res, err := s.limiter.TryReserve(ctx, p.ID, units)
		if err != nil {
			if breaker != nil {
				breaker.Release()
			}
			var denied *quota.DeniedError
			if errors.As(err, &denied) {
				noProvider.QuotaDenied++
				if noProvider.RetryAfter == 0 || denied.RetryAfter < noProvider.RetryAfter {
					noProvider.RetryAfter = denied.RetryAfter
				}
				continue
			}
			log.Warn("failover: quota backend error", zap.String("provider", p.ID), zap.Error(err))
			noProvider.Skipped++
			continue
		}

		return &Handle{
			Provider:    p,
			Client:      client,
			Reservation: res,
			selector:    s,
			breaker:     breaker,
		}, nil
	}

	return nil, noProvider
}

// Handle is a provider chosen for one attempt with its quota reserved.
type Handle struct {
	Provider    model.Provider
	Client      registry.Client
	Reservation *quota.Reservation

	selector *Selector
	breaker  *resilience.CircuitBreaker
	once     sync.Once
}

// Report records the attempt's result. Transient failures count toward the
// provider's circuit breaker; non-billable failures return the reserved
// quota. Only the first call has an effect.
func (h *Handle) Report(ctx context.Context, callErr error) {
	h.once.Do(func() {
		h.selector.registry.MarkUsed(h.Provider.ID, h.selector.nowFunc())

		ce := resilience.Classify(callErr)
		if h.breaker != nil {
			if ce != nil && ce.Retryable {
				h.breaker.RecordFailure()
			} else {
				h.breaker.RecordSuccess()
			}
		}
		if ce != nil && !ce.Billable {
			if err := h.selector.limiter.Rollback(ctx, h.Reservation); err != nil {
				zap.L().Warn("failover: quota rollback failed",
					zap.String("provider", h.Provider.ID),
					zap.Error(err),
				)
			}
		}
	})
}
