package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/scheduler"
)

// WorkSource yields the requests a stage run should dispatch.
type WorkSource interface {
	Items(ctx context.Context, run model.StageRun, spec catalog.StageSpec) ([]model.CapabilityRequest, error)
}

// Requeuer is implemented by work sources that can take back items a run
// did not finish. *Inbox implements it.
type Requeuer interface {
	Requeue(ctx context.Context, stage string, reqs []model.CapabilityRequest)
}

// ItemResult is the outcome of one work item.
type ItemResult struct {
	Request model.CapabilityRequest
	Result  *Result
	Err     error
}

// ResultSink receives every item result of a run.
type ResultSink interface {
	Emit(ctx context.Context, run model.StageRun, item ItemResult)
}

// Reporter accepts finished runs. *scheduler.Scheduler implements it.
type Reporter interface {
	Complete(ctx context.Context, runID string, out model.StageOutcome) error
}

const defaultConcurrency = 4

// Runner executes stage runs: it pulls items from the source, dispatches
// them with the stage's concurrency limit and reports a stage outcome.
type Runner struct {
	doer   Doer
	source WorkSource
	sink   ResultSink
}

// NewRunner creates a Runner. sink may be nil.
func NewRunner(doer Doer, source WorkSource, sink ResultSink) *Runner {
	return &Runner{doer: doer, source: source, sink: sink}
}

// Run executes one stage run. Item failures never abort the batch. The run
// fails when ctx is cancelled (watchdog or operator) or when every item ran
// out of quota.
func (r *Runner) Run(ctx context.Context, run model.StageRun, spec catalog.StageSpec) model.StageOutcome {
	log := zap.L().With(
		zap.String("component", "runner"),
		zap.String("stage", run.Stage),
		zap.String("run_id", run.ID),
	)

	items, err := r.source.Items(ctx, run, spec)
	if err != nil {
		log.Error("runner: work source failed", zap.Error(err))
		return model.StageOutcome{Status: model.RunStatusFailed, Error: err.Error()}
	}

	limit := spec.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	var (
		mu          sync.Mutex
		succeeded   int
		failed      int
		quotaFailed int
		handBack    = make([]bool, len(items))
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		if ctx.Err() != nil {
			for j := i; j < len(items); j++ {
				handBack[j] = true
			}
			break
		}
		if item.Stage == "" {
			item.Stage = run.Stage
		}
		g.Go(func() error {
			res, err := r.doer.Dispatch(ctx, item)

			mu.Lock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, resilience.ErrQuotaExhausted):
				failed++
				handBack[i] = true
				if ctx.Err() == nil {
					quotaFailed++
				}
			case ctx.Err() != nil && !errors.Is(err, resilience.ErrRequestRejected):
				failed++
				handBack[i] = true
			default:
				failed++
			}
			mu.Unlock()

			if r.sink != nil {
				r.sink.Emit(ctx, run, ItemResult{Request: item, Result: res, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	out := model.StageOutcome{
		ItemsTotal:     len(items),
		ItemsSucceeded: succeeded,
		ItemsFailed:    failed,
		ItemsRequeued:  r.requeue(ctx, run, items, handBack, log),
	}
	switch {
	case ctx.Err() != nil:
		out.Status = model.RunStatusFailed
		out.Error = context.Cause(ctx).Error()
	case len(items) > 0 && quotaFailed == len(items):
		out.Status = model.RunStatusFailed
		out.Error = fmt.Sprintf("all %d items failed: %v", len(items), resilience.ErrQuotaExhausted)
	default:
		out.Status = model.RunStatusSucceeded
	}

	log.Info("runner: run finished",
		zap.String("status", string(out.Status)),
		zap.Int("items", out.ItemsTotal),
		zap.Int("succeeded", out.ItemsSucceeded),
		zap.Int("failed", out.ItemsFailed),
		zap.Int("requeued", out.ItemsRequeued),
	)
	return out
}

// requeue hands the marked items back to the source in their original
// order and returns how many went back. Sources that cannot take items back
// lose them, which is logged.
func (r *Runner) requeue(ctx context.Context, run model.StageRun, items []model.CapabilityRequest, marked []bool, log *zap.Logger) int {
	var back []model.CapabilityRequest
	for i, item := range items {
		if marked[i] {
			back = append(back, item)
		}
	}
	if len(back) == 0 {
		return 0
	}
	rq, ok := r.source.(Requeuer)
	if !ok {
		log.Warn("runner: work source cannot requeue, items dropped", zap.Int("items", len(back)))
		return 0
	}
	rq.Requeue(context.WithoutCancel(ctx), run.Stage, back)
	return len(back)
}

// Consume runs every event from the scheduler in its own goroutine and
// reports the outcome, until events closes or ctx is done. It waits for
// in-flight runs before returning.
func (r *Runner) Consume(ctx context.Context, events <-chan scheduler.RunEvent, reporter Reporter) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := r.Run(ev.Ctx, ev.Run, ev.Spec)
				if err := reporter.Complete(context.WithoutCancel(ctx), ev.Run.ID, out); err != nil {
					zap.L().Error("runner: report outcome failed",
						zap.String("run_id", ev.Run.ID),
						zap.Error(err),
					)
				}
			}()
		}
	}
}
