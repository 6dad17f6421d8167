package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/scheduler"
)

type doerFunc func(ctx context.Context, req model.CapabilityRequest) (*Result, error)

func (f doerFunc) Dispatch(ctx context.Context, req model.CapabilityRequest) (*Result, error) {
	return f(ctx, req)
}

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) Complete(ctx context.Context, runID string, out model.StageOutcome) error {
	args := m.Called(ctx, runID, out)
	return args.Error(0)
}

type recordingSink struct {
	mu    sync.Mutex
	items []ItemResult
}

func (s *recordingSink) Emit(_ context.Context, _ model.StageRun, item ItemResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
}

type failingSource struct{}

func (failingSource) Items(context.Context, model.StageRun, catalog.StageSpec) ([]model.CapabilityRequest, error) {
	return nil, errors.New("queue offline")
}

type staticSource []model.CapabilityRequest

func (s staticSource) Items(context.Context, model.StageRun, catalog.StageSpec) ([]model.CapabilityRequest, error) {
	return s, nil
}

func qualificationStage() (model.StageRun, catalog.StageSpec) {
	run := model.StageRun{ID: "run-1", Stage: "lead_qualification", Status: model.RunStatusRunning}
	spec := catalog.StageSpec{Name: "lead_qualification", Capability: model.CapabilityEmailValidation, Concurrency: 2}
	return run, spec
}

func enqueueEmails(in *Inbox, stage string, addrs ...string) {
	for _, a := range addrs {
		in.Enqueue(stage, emailRequest(a))
	}
}

func succeed(_ context.Context, req model.CapabilityRequest) (*Result, error) {
	return &Result{Request: req, ProviderID: "zerobounce", Attempts: 1}, nil
}

func TestRunner_AllSucceed(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "a@x.io", "b@x.io", "c@x.io")
	sink := &recordingSink{}

	out := NewRunner(doerFunc(succeed), in, sink).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 3, out.ItemsTotal)
	assert.Equal(t, 3, out.ItemsSucceeded)
	assert.Zero(t, out.ItemsFailed)
	assert.Len(t, sink.items, 3)
	for _, item := range sink.items {
		assert.Equal(t, "lead_qualification", item.Request.Stage)
	}
}

func TestRunner_ItemFailuresDoNotFailStage(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "good@x.io", "bad", "good2@x.io")

	doer := doerFunc(func(ctx context.Context, req model.CapabilityRequest) (*Result, error) {
		if req.Payload.(model.EmailValidationRequest).Email == "bad" {
			return nil, &Error{Err: resilience.ErrRequestRejected}
		}
		return succeed(ctx, req)
	})

	out := NewRunner(doer, in, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 2, out.ItemsSucceeded)
	assert.Equal(t, 1, out.ItemsFailed)
}

func TestRunner_AllQuotaExhaustedFailsStage(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "a@x.io", "b@x.io")

	doer := doerFunc(func(context.Context, model.CapabilityRequest) (*Result, error) {
		return nil, &Error{Err: resilience.ErrQuotaExhausted}
	})

	out := NewRunner(doer, in, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, 2, out.ItemsFailed)
	assert.Contains(t, out.Error, "quota exhausted")
}

func TestRunner_QuotaExhaustedItemsGoBackToInbox(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "a@x.io", "b@x.io", "c@x.io")

	exhausted := doerFunc(func(context.Context, model.CapabilityRequest) (*Result, error) {
		return nil, &Error{Err: resilience.ErrQuotaExhausted}
	})
	out := NewRunner(exhausted, in, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, 3, out.ItemsRequeued)
	assert.Equal(t, map[string]int{"lead_qualification": 3}, in.Pending())

	// The next run picks the same work up in its original order.
	sink := &recordingSink{}
	retry := NewRunner(doerFunc(succeed), in, sink).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusSucceeded, retry.Status)
	assert.Equal(t, 3, retry.ItemsSucceeded)
	assert.Zero(t, retry.ItemsRequeued)
	assert.Equal(t, map[string]int{"lead_qualification": 0}, in.Pending())
}

func TestRunner_CancelledMidRunRequeuesUnfinishedItems(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	spec.Concurrency = 1
	enqueueEmails(in, run.Stage, "a@x.io", "b@x.io", "c@x.io", "d@x.io")

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	var calls int32
	doer := doerFunc(func(ctx context.Context, req model.CapabilityRequest) (*Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// The watchdog fires while the first call is in flight; that call
			// still completes.
			cancel(resilience.ErrWatchdogTimeout)
			return succeed(ctx, req)
		}
		if ctx.Err() != nil {
			return nil, &Error{Err: context.Cause(ctx)}
		}
		return succeed(ctx, req)
	})

	out := NewRunner(doer, in, nil).Run(ctx, run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, resilience.ErrWatchdogTimeout.Error(), out.Error)
	assert.Equal(t, 4, out.ItemsTotal)
	assert.Equal(t, 1, out.ItemsSucceeded)
	assert.Equal(t, 3, out.ItemsRequeued)

	left, err := in.Items(context.Background(), run, spec)
	require.NoError(t, err)
	require.Len(t, left, 3)
	for i, want := range []string{"b@x.io", "c@x.io", "d@x.io"} {
		assert.Equal(t, want, left[i].Payload.(model.EmailValidationRequest).Email)
	}
}

func TestRunner_RejectedItemsAreNotRequeued(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "bad", "worse")

	doer := doerFunc(func(context.Context, model.CapabilityRequest) (*Result, error) {
		return nil, &Error{Err: resilience.ErrRequestRejected}
	})
	out := NewRunner(doer, in, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 2, out.ItemsFailed)
	assert.Zero(t, out.ItemsRequeued)
	assert.Equal(t, map[string]int{"lead_qualification": 0}, in.Pending())
}

func TestRunner_SourceWithoutRequeueDropsItems(t *testing.T) {
	run, spec := qualificationStage()
	src := staticSource{emailRequest("a@x.io")}

	doer := doerFunc(func(context.Context, model.CapabilityRequest) (*Result, error) {
		return nil, &Error{Err: resilience.ErrQuotaExhausted}
	})
	out := NewRunner(doer, src, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Zero(t, out.ItemsRequeued)
}

func TestRunner_EmptyBatchSucceeds(t *testing.T) {
	run, spec := qualificationStage()
	out := NewRunner(doerFunc(succeed), NewInbox(0), nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Zero(t, out.ItemsTotal)
}

func TestRunner_SourceErrorFailsStage(t *testing.T) {
	run, spec := qualificationStage()
	out := NewRunner(doerFunc(succeed), failingSource{}, nil).Run(context.Background(), run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Contains(t, out.Error, "queue offline")
}

func TestRunner_CancelledRunFails(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "a@x.io")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(resilience.ErrWatchdogTimeout)

	out := NewRunner(doerFunc(succeed), in, nil).Run(ctx, run, spec)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, resilience.ErrWatchdogTimeout.Error(), out.Error)
}

func TestRunner_RespectsConcurrency(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	for i := 0; i < 12; i++ {
		enqueueEmails(in, run.Stage, "lead@x.io")
	}

	var inFlight, peak int32
	doer := doerFunc(func(ctx context.Context, req model.CapabilityRequest) (*Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return succeed(ctx, req)
	})

	out := NewRunner(doer, in, nil).Run(context.Background(), run, spec)
	assert.Equal(t, 12, out.ItemsSucceeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(spec.Concurrency))
}

func TestRunner_Consume(t *testing.T) {
	in := NewInbox(0)
	run, spec := qualificationStage()
	enqueueEmails(in, run.Stage, "a@x.io", "b@x.io")

	reporter := &mockReporter{}
	reporter.On("Complete", mock.Anything, "run-1", mock.MatchedBy(func(out model.StageOutcome) bool {
		return out.Status == model.RunStatusSucceeded && out.ItemsSucceeded == 2
	})).Return(nil).Once()

	events := make(chan scheduler.RunEvent, 1)
	events <- scheduler.RunEvent{Run: run, Spec: spec, Ctx: context.Background()}
	close(events)

	NewRunner(doerFunc(succeed), in, nil).Consume(context.Background(), events, reporter)
	reporter.AssertExpectations(t)
}

func TestInbox_BatchAndPending(t *testing.T) {
	in := NewInbox(2)
	enqueueEmails(in, "lead_qualification", "a@x.io", "b@x.io", "c@x.io")
	assert.Equal(t, map[string]int{"lead_qualification": 3}, in.Pending())

	run := model.StageRun{Stage: "lead_qualification"}
	first, err := in.Items(context.Background(), run, catalog.StageSpec{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a@x.io", first[0].Payload.(model.EmailValidationRequest).Email)

	second, err := in.Items(context.Background(), run, catalog.StageSpec{})
	require.NoError(t, err)
	require.Len(t, second, 1)

	empty, err := in.Items(context.Background(), run, catalog.StageSpec{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInbox_RequeueGoesAheadOfNewWork(t *testing.T) {
	in := NewInbox(0)
	enqueueEmails(in, "lead_qualification", "new@x.io")
	in.Requeue(context.Background(), "lead_qualification", []model.CapabilityRequest{
		emailRequest("old1@x.io"), emailRequest("old2@x.io"),
	})
	in.Requeue(context.Background(), "lead_qualification", nil)

	items, err := in.Items(context.Background(), model.StageRun{Stage: "lead_qualification"}, catalog.StageSpec{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "old1@x.io", items[0].Payload.(model.EmailValidationRequest).Email)
	assert.Equal(t, "old2@x.io", items[1].Payload.(model.EmailValidationRequest).Email)
	assert.Equal(t, "new@x.io", items[2].Payload.(model.EmailValidationRequest).Email)
}

func TestInbox_SeedFallback(t *testing.T) {
	in := NewInbox(0)
	spec := catalog.StageSpec{
		Name: "lead_generation",
		Seed: &catalog.SeedSpec{
			Capability: model.CapabilityLeadSourcing,
			Payload:    map[string]any{"limit": 25, "industry": "insurance"},
		},
	}

	items, err := in.Items(context.Background(), model.StageRun{Stage: "lead_generation"}, spec)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.CapabilityLeadSourcing, items[0].Capability)
	assert.Equal(t, "lead_generation", items[0].Stage)
	assert.Equal(t, model.LeadSourcingRequest{Limit: 25, Industry: "insurance"}, items[0].Payload)
}

func TestSeedRequest_InvalidPayload(t *testing.T) {
	_, err := SeedRequest(catalog.StageSpec{
		Name: "lead_qualification",
		Seed: &catalog.SeedSpec{Capability: model.CapabilityEmailValidation, Payload: map[string]any{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead_qualification")
}

func TestForwardSink(t *testing.T) {
	stages := []catalog.StageSpec{
		{Name: "lead_generation", Capability: model.CapabilityLeadSourcing, Feeds: []string{"lead_qualification", "prospect_research", "missing"}},
		{Name: "lead_qualification", Capability: model.CapabilityEmailValidation},
		{Name: "prospect_research", Capability: model.CapabilityCompanyEnrichment},
	}
	in := NewInbox(0)
	sink := NewForwardSink(in, stages)

	leads := model.LeadSourcingResult{Leads: []model.Lead{
		{ExternalID: "1", Email: "ana@Acme.io"},
		{ExternalID: "2", Email: "bo@acme.io"},
		{ExternalID: "3", Email: "bo@acme.io"},
		{ExternalID: "4"},
	}}
	run := model.StageRun{ID: "r1", Stage: "lead_generation"}
	sink.Emit(context.Background(), run, ItemResult{Result: &Result{Value: leads}})
	sink.Emit(context.Background(), run, ItemResult{Err: errors.New("ignored")})

	assert.Equal(t, map[string]int{"lead_qualification": 2, "prospect_research": 1}, in.Pending())

	research, err := in.Items(context.Background(), model.StageRun{Stage: "prospect_research"}, stages[2])
	require.NoError(t, err)
	require.Len(t, research, 1)
	assert.Equal(t, model.CompanyEnrichmentRequest{Domain: "acme.io"}, research[0].Payload)
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "acme.io", emailDomain("Ana@ACME.io"))
	assert.Equal(t, "", emailDomain("nobody"))
	assert.Equal(t, "", emailDomain("trailing@"))
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, b, LogSink{}}.Emit(context.Background(), model.StageRun{}, ItemResult{Result: &Result{}})
	assert.Len(t, a.items, 1)
	assert.Len(t, b.items, 1)
}
