// Package registry owns provider records: catalog data, routing state and the
// client implementing each provider's capability. It is the only writer of
// provider state.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/store"
)

// ErrUnknownProvider is returned for ids absent from the catalog.
var ErrUnknownProvider = eris.New("registry: unknown provider")

// Client performs one call against a provider's API.
type Client interface {
	Call(ctx context.Context, payload model.Payload) (model.Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, payload model.Payload) (model.Result, error)

// Call implements Client.
func (f ClientFunc) Call(ctx context.Context, payload model.Payload) (model.Result, error) {
	return f(ctx, payload)
}

// UsageSource reports consumed quota. quota.Limiter satisfies it.
type UsageSource interface {
	Usage(ctx context.Context, providerID string) (model.QuotaUsage, error)
}

// Registry holds every provider from the catalog.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]*model.Provider
	specs     map[string]catalog.ProviderSpec
	clients   map[string]Client

	store   store.Store
	usage   UsageSource
	nowFunc func() time.Time
}

// New builds a Registry from catalog specs. st persists manual and scorer
// overrides and may be nil.
func New(specs []catalog.ProviderSpec, st store.Store) *Registry {
	r := &Registry{
		providers: make(map[string]*model.Provider, len(specs)),
		specs:     make(map[string]catalog.ProviderSpec, len(specs)),
		clients:   make(map[string]Client, len(specs)),
		store:     st,
		nowFunc:   time.Now,
	}
	for _, s := range specs {
		r.order = append(r.order, s.ID)
		r.specs[s.ID] = s
		r.providers[s.ID] = &model.Provider{
			ID:             s.ID,
			Capability:     s.Capability,
			Priority:       s.Priority,
			Limits:         s.Limits,
			CostUnits:      s.CostUnits,
			HealthScore:    100,
			State:          model.ProviderActive,
			ManualDisabled: s.Disabled,
		}
	}
	return r
}

// WithUsage attaches a quota source used by Snapshot.
func (r *Registry) WithUsage(u UsageSource) *Registry {
	r.usage = u
	return r
}

// WithClock replaces the time source. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.nowFunc = now
	return r
}

// Load applies persisted overrides on top of catalog defaults. Overrides for
// providers no longer in the catalog are ignored.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	overrides, err := r.store.ListProviderOverrides(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: load overrides")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range overrides {
		p, ok := r.providers[o.ProviderID]
		if !ok {
			zap.L().Warn("registry: override for unknown provider ignored", zap.String("provider", o.ProviderID))
			continue
		}
		p.ManualDisabled = o.ManualDisabled
		p.HealthScore = o.HealthScore
		p.ThrottledUntil = o.ThrottledUntil
		p.ThrottleReason = o.ThrottleReason
	}
	return nil
}

// SetClient attaches the client that serves a provider.
func (r *Registry) SetClient(id string, c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return eris.Wrapf(ErrUnknownProvider, "set client %s", id)
	}
	r.clients[id] = c
	return nil
}

// Client returns the provider's client.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Spec returns the provider's catalog entry.
func (r *Registry) Spec(id string) (catalog.ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

// Get returns a copy of one provider with its state resolved at the current time.
func (r *Registry) Get(id string) (model.Provider, error) {
	now := r.nowFunc()
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return model.Provider{}, eris.Wrapf(ErrUnknownProvider, "get %s", id)
	}
	return resolve(*p, now), nil
}

// List returns copies of all providers in catalog order.
func (r *Registry) List() []model.Provider {
	now := r.nowFunc()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, resolve(*r.providers[id], now))
	}
	return out
}

// ForCapability returns copies of the providers implementing c, in catalog order.
func (r *Registry) ForCapability(c model.Capability) []model.Provider {
	var out []model.Provider
	for _, p := range r.List() {
		if p.Capability == c {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot is List with quota usage filled in. A provider with an exhausted
// window reports THROTTLED until the window rolls over.
func (r *Registry) Snapshot(ctx context.Context) ([]model.Provider, error) {
	providers := r.List()
	if r.usage == nil {
		return providers, nil
	}
	for i := range providers {
		u, err := r.usage.Usage(ctx, providers[i].ID)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: usage %s", providers[i].ID)
		}
		providers[i].Usage = u
		if u.Exhausted && providers[i].State == model.ProviderActive {
			providers[i].State = model.ProviderThrottled
			providers[i].ThrottleReason = "quota exhausted"
		}
	}
	return providers, nil
}

// resolve derives State from the override fields. An expired throttle is
// cleared from the copy.
func resolve(p model.Provider, now time.Time) model.Provider {
	switch {
	case p.ManualDisabled:
		p.State = model.ProviderDisabled
	case p.ThrottledUntil != nil && now.Before(*p.ThrottledUntil):
		p.State = model.ProviderThrottled
	default:
		p.State = model.ProviderActive
		p.ThrottledUntil = nil
		p.ThrottleReason = ""
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		p.LastUsedAt = &t
	}
	if p.ThrottledUntil != nil {
		t := *p.ThrottledUntil
		p.ThrottledUntil = &t
	}
	return p
}

// mutate applies fn to a provider and persists the resulting override. The
// in-memory record changes only if persistence succeeds.
func (r *Registry) mutate(ctx context.Context, id string, fn func(p *model.Provider)) (model.Provider, error) {
	now := r.nowFunc()
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return model.Provider{}, eris.Wrapf(ErrUnknownProvider, "%s", id)
	}
	next := *p
	fn(&next)

	if r.store != nil {
		err := r.store.SaveProviderOverride(ctx, model.ProviderOverride{
			ProviderID:     next.ID,
			ManualDisabled: next.ManualDisabled,
			HealthScore:    next.HealthScore,
			ThrottledUntil: next.ThrottledUntil,
			ThrottleReason: next.ThrottleReason,
			UpdatedAt:      now,
		})
		if err != nil {
			return model.Provider{}, eris.Wrapf(err, "registry: persist %s", id)
		}
	}
	*p = next
	return resolve(next, now), nil
}

// Disable takes a provider out of rotation until Enable.
func (r *Registry) Disable(ctx context.Context, id string) (model.Provider, error) {
	p, err := r.mutate(ctx, id, func(p *model.Provider) { p.ManualDisabled = true })
	if err == nil {
		zap.L().Info("registry: provider disabled", zap.String("provider", id))
	}
	return p, err
}

// Enable returns a provider to rotation and lifts any throttle.
func (r *Registry) Enable(ctx context.Context, id string) (model.Provider, error) {
	p, err := r.mutate(ctx, id, func(p *model.Provider) {
		p.ManualDisabled = false
		p.ThrottledUntil = nil
		p.ThrottleReason = ""
	})
	if err == nil {
		zap.L().Info("registry: provider enabled", zap.String("provider", id))
	}
	return p, err
}

// Throttle skips a provider until the given time. Recovery is automatic.
func (r *Registry) Throttle(ctx context.Context, id string, until time.Time, reason string) (model.Provider, error) {
	p, err := r.mutate(ctx, id, func(p *model.Provider) {
		u := until
		p.ThrottledUntil = &u
		p.ThrottleReason = reason
	})
	if err == nil {
		zap.L().Warn("registry: provider throttled",
			zap.String("provider", id),
			zap.Time("until", until),
			zap.String("reason", reason),
		)
	}
	return p, err
}

// SetHealth records a new health score, clamped to 0–100.
func (r *Registry) SetHealth(ctx context.Context, id string, score float64) (model.Provider, error) {
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	return r.mutate(ctx, id, func(p *model.Provider) { p.HealthScore = score })
}

// MarkUsed records when the provider was last handed a request. Not persisted.
func (r *Registry) MarkUsed(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		t := at
		p.LastUsedAt = &t
	}
}
