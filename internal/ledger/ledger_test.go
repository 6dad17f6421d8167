package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/cost"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/store"
)

var base = time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	calc := cost.NewCalculator(cost.Rates{PerUnit: map[string]float64{"zb": 0.01}})
	return New(store.NewMemory(), calc)
}

func att(provider string, outcome model.Outcome, at time.Time, latency time.Duration, billable bool) model.CallAttempt {
	return model.CallAttempt{
		RequestID:  "req",
		Attempt:    1,
		ProviderID: provider,
		Capability: model.CapabilityEmailValidation,
		Outcome:    outcome,
		Latency:    latency,
		CostUnits:  1,
		Billable:   billable,
		StartedAt:  at,
	}
}

func TestAppend_FillsIDAndValidates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	a, err := l.Append(ctx, att("zb", model.OutcomeSuccess, base, 0, true))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	_, err = l.Append(ctx, model.CallAttempt{Capability: model.CapabilityEmailValidation})
	assert.Error(t, err)

	_, err = l.Append(ctx, model.CallAttempt{ProviderID: "zb", Capability: "fax"})
	assert.Error(t, err)

	_, err = l.Append(ctx, a)
	assert.Error(t, err, "duplicate ids are rejected by the store")
}

func TestQuery_RoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	in := att("zb", model.OutcomeTimeout, base, 2*time.Second, true)
	in.StatusCode = 408
	in.Error = "TIMEOUT (status 408): context deadline exceeded"
	stored, err := l.Append(ctx, in)
	require.NoError(t, err)

	got, err := l.Query(ctx, Filter{ProviderID: "zb"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stored, got[0])
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := att(fmt.Sprintf("p%d", i%3), model.OutcomeSuccess, base.Add(time.Duration(i)*time.Second), 0, true)
			_, err := l.Append(ctx, a)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 25)
}

func TestSummarize(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, a := range []model.CallAttempt{
		att("zb", model.OutcomeSuccess, base, 100*time.Millisecond, true),
		att("zb", model.OutcomeSuccess, base.Add(time.Minute), 300*time.Millisecond, true),
		att("zb", model.OutcomeProviderError, base.Add(2*time.Minute), 200*time.Millisecond, false),
		att("zb", model.OutcomeTimeout, base.Add(3*time.Minute), 400*time.Millisecond, true),
		att("abstract", model.OutcomeRateLimited, base.Add(4*time.Minute), 0, true),
	} {
		_, err := l.Append(ctx, a)
		require.NoError(t, err)
	}

	sums, err := l.Summarize(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, sums, 2)

	abs := sums[0]
	assert.Equal(t, "abstract", abs.ProviderID)
	assert.Equal(t, 1, abs.Failures[model.OutcomeRateLimited])
	assert.Zero(t, abs.CostUSD, "provider without a rate is free")

	zb := sums[1]
	assert.Equal(t, 4, zb.Attempts)
	assert.Equal(t, 2, zb.Successes)
	assert.Equal(t, 1, zb.Failures[model.OutcomeProviderError])
	assert.Equal(t, 1, zb.Failures[model.OutcomeTimeout])
	assert.Equal(t, int64(4), zb.CostUnits)
	assert.Equal(t, int64(3), zb.BillableUnits)
	assert.InDelta(t, 0.03, zb.CostUSD, 1e-9)
	assert.Equal(t, 250*time.Millisecond, zb.MeanLatency)
	assert.InDelta(t, 0.5, zb.SuccessRate(), 1e-9)

	window, err := l.Summarize(ctx, Filter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, 2, window[0].Attempts)
}

func TestSummarizeDaily_UsesLocation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// 22:00 and 23:30 UTC on March 2; 01:30 UTC on March 3.
	for _, a := range []model.CallAttempt{
		att("zb", model.OutcomeSuccess, base, 0, true),
		att("zb", model.OutcomeTimeout, base.Add(90*time.Minute), 0, true),
		att("zb", model.OutcomeSuccess, base.Add(210*time.Minute), 0, true),
	} {
		_, err := l.Append(ctx, a)
		require.NoError(t, err)
	}

	utc, err := l.SummarizeDaily(ctx, Filter{}, nil)
	require.NoError(t, err)
	require.Len(t, utc, 2)
	assert.Equal(t, DailyUsage{Day: "2026-03-02", ProviderID: "zb", Requests: 2, Errors: 1, CostUSD: 0.02}, utc[0])
	assert.Equal(t, "2026-03-03", utc[1].Day)

	// UTC+3 puts all three on March 3.
	east, err := l.SummarizeDaily(ctx, Filter{}, time.FixedZone("UTC+3", 3*3600))
	require.NoError(t, err)
	require.Len(t, east, 1)
	assert.Equal(t, 3, east[0].Requests)
}
