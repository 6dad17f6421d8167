// Package ledger is the append-only log of provider call attempts and the
// usage and cost roll-ups derived from it.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/cost"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/store"
)

// Filter selects attempts. It is the store's filter; Since is inclusive and
// Until exclusive.
type Filter = store.AttemptFilter

// UsageSummary rolls up one provider's attempts.
type UsageSummary struct {
	ProviderID    string                `json:"provider_id"`
	Capability    model.Capability      `json:"capability"`
	Attempts      int                   `json:"attempts"`
	Successes     int                   `json:"successes"`
	Failures      map[model.Outcome]int `json:"failures"`
	CostUnits     int64                 `json:"cost_units"`
	BillableUnits int64                 `json:"billable_units"`
	CostUSD       float64               `json:"cost_usd"`
	MeanLatency   time.Duration         `json:"mean_latency_ns"`
}

// SuccessRate is Successes / Attempts, or 0 with no attempts.
func (s UsageSummary) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// DailyUsage is one provider's activity on one calendar day.
type DailyUsage struct {
	Day        string  `json:"day"`
	ProviderID string  `json:"provider_id"`
	Requests   int     `json:"requests"`
	Errors     int     `json:"errors"`
	CostUSD    float64 `json:"cost_usd"`
}

// Ledger appends and reads CallAttempts. It has no update or delete path.
type Ledger struct {
	store   store.Store
	calc    *cost.Calculator
	nowFunc func() time.Time
}

// New creates a Ledger over st. A nil calculator prices everything at zero.
func New(st store.Store, calc *cost.Calculator) *Ledger {
	if calc == nil {
		calc = cost.NewCalculator(cost.Rates{PerUnit: map[string]float64{}})
	}
	return &Ledger{store: st, calc: calc, nowFunc: time.Now}
}

// Append records one attempt. Missing ids and timestamps are filled in.
func (l *Ledger) Append(ctx context.Context, a model.CallAttempt) (model.CallAttempt, error) {
	if a.ProviderID == "" {
		return a, eris.New("ledger: attempt has no provider")
	}
	if !a.Capability.Valid() {
		return a, eris.Errorf("ledger: attempt has unknown capability %q", a.Capability)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = l.nowFunc()
	}
	if err := l.store.AppendAttempt(ctx, a); err != nil {
		return a, eris.Wrapf(err, "ledger: append %s", a.ID)
	}
	return a, nil
}

// Query returns attempts matching f, oldest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]model.CallAttempt, error) {
	out, err := l.store.ListAttempts(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query")
	}
	return out, nil
}

// Summarize rolls up every attempt matching f per provider, ordered by
// provider id. f.Limit is ignored.
func (l *Ledger) Summarize(ctx context.Context, f Filter) ([]UsageSummary, error) {
	f.Limit = 0
	attempts, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	byProvider := make(map[string]*UsageSummary)
	latency := make(map[string]time.Duration)
	for _, a := range attempts {
		s, ok := byProvider[a.ProviderID]
		if !ok {
			s = &UsageSummary{ProviderID: a.ProviderID, Capability: a.Capability, Failures: map[model.Outcome]int{}}
			byProvider[a.ProviderID] = s
		}
		s.Attempts++
		if a.Outcome == model.OutcomeSuccess {
			s.Successes++
		} else {
			s.Failures[a.Outcome]++
		}
		s.CostUnits += a.CostUnits
		if a.Billable {
			s.BillableUnits += a.CostUnits
		}
		s.CostUSD += l.calc.Attempt(a)
		latency[a.ProviderID] += a.Latency
	}

	out := make([]UsageSummary, 0, len(byProvider))
	for id, s := range byProvider {
		s.MeanLatency = latency[id] / time.Duration(s.Attempts)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// SummarizeDaily rolls up attempts per provider per calendar day in loc,
// oldest day first.
func (l *Ledger) SummarizeDaily(ctx context.Context, f Filter, loc *time.Location) ([]DailyUsage, error) {
	if loc == nil {
		loc = time.UTC
	}
	f.Limit = 0
	attempts, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	type key struct{ day, provider string }
	rows := make(map[key]*DailyUsage)
	for _, a := range attempts {
		k := key{a.StartedAt.In(loc).Format("2006-01-02"), a.ProviderID}
		d, ok := rows[k]
		if !ok {
			d = &DailyUsage{Day: k.day, ProviderID: k.provider}
			rows[k] = d
		}
		d.Requests++
		if a.Outcome != model.OutcomeSuccess {
			d.Errors++
		}
		d.CostUSD += l.calc.Attempt(a)
	}

	out := make([]DailyUsage, 0, len(rows))
	for _, d := range rows {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}
