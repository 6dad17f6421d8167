// Package scheduler decides when pipeline stages run. It fires stages on
// their cadence once their dependencies are fresh, never runs two instances
// of a stage at once, and kills runs that exceed their maximum duration.
// Runs are handed to the runner as events on a channel.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/store"
)

var (
	// ErrUnknownStage is returned for names absent from the catalog.
	ErrUnknownStage = eris.New("scheduler: unknown stage")
	// ErrNotRunning is returned by Cancel when the stage has no active run.
	ErrNotRunning = eris.New("scheduler: stage not running")
	// ErrCancelled is the cause attached to operator-cancelled runs.
	ErrCancelled = eris.New("stage cancelled by operator")
)

// RunEvent hands a started run to the runner. Ctx is cancelled by the
// watchdog or an operator Cancel.
type RunEvent struct {
	Run  model.StageRun
	Spec catalog.StageSpec
	Ctx  context.Context
}

// Config tunes the scheduler.
type Config struct {
	Location           *time.Location
	TickInterval       time.Duration
	DefaultMaxDuration time.Duration
	EventBuffer        int
}

// StageStatus is the externally visible state of one stage.
type StageStatus struct {
	Spec        catalog.StageSpec `json:"spec"`
	Running     *model.StageRun   `json:"running,omitempty"`
	LastRun     *model.StageRun   `json:"last_run,omitempty"`
	NextRun     *time.Time        `json:"next_run,omitempty"`
	ErrorStreak int               `json:"error_streak"`
}

type activeRun struct {
	run      model.StageRun
	cancel   context.CancelCauseFunc
	deadline time.Time
}

type stageState struct {
	spec        catalog.StageSpec
	cadence     Cadence
	next        time.Time
	deferred    bool
	running     *activeRun
	lastRun     *model.StageRun
	errorStreak int
}

// Scheduler is the sole writer of StageRun records.
type Scheduler struct {
	store   store.Store
	cfg     Config
	events  chan RunEvent
	nowFunc func() time.Time
	baseCtx context.Context

	mu     sync.Mutex
	order  []string
	stages map[string]*stageState
}

// New builds a Scheduler for the catalog's stages.
func New(specs []catalog.StageSpec, st store.Store, cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.DefaultMaxDuration <= 0 {
		cfg.DefaultMaxDuration = time.Hour
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	s := &Scheduler{
		store:   st,
		cfg:     cfg,
		events:  make(chan RunEvent, cfg.EventBuffer),
		nowFunc: time.Now,
		baseCtx: context.Background(),
		stages:  make(map[string]*stageState, len(specs)),
	}
	for _, spec := range specs {
		c, err := ParseCadence(spec.Schedule, cfg.Location)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: stage %s", spec.Name)
		}
		s.order = append(s.order, spec.Name)
		s.stages[spec.Name] = &stageState{spec: spec, cadence: c}
	}
	return s, nil
}

// WithClock replaces the time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.nowFunc = now
	return s
}

// Events is the channel of started runs.
func (s *Scheduler) Events() <-chan RunEvent { return s.events }

// Restore loads each stage's last run and failure streak from the store, and
// fails runs left RUNNING by a previous process.
func (s *Scheduler) Restore(ctx context.Context) error {
	now := s.nowFunc()
	for _, name := range s.order {
		runs, err := s.store.ListStageRuns(ctx, store.RunFilter{Stage: name, Limit: 50})
		if err != nil {
			return eris.Wrapf(err, "scheduler: restore %s", name)
		}
		streak := 0
		counting := true
		for i := range runs {
			if runs[i].Status == model.RunStatusRunning || runs[i].Status == model.RunStatusPending {
				runs[i].Status = model.RunStatusFailed
				runs[i].EndedAt = &now
				runs[i].Error = "interrupted by restart"
				if err := s.store.UpdateStageRun(ctx, runs[i]); err != nil {
					return eris.Wrapf(err, "scheduler: fail stale run %s", runs[i].ID)
				}
				zap.L().Warn("scheduler: stale run marked failed",
					zap.String("stage", name),
					zap.String("run_id", runs[i].ID),
				)
			}
			if counting {
				switch runs[i].Status {
				case model.RunStatusFailed:
					streak++
				case model.RunStatusSucceeded:
					counting = false
				}
			}
		}

		s.mu.Lock()
		st := s.stages[name]
		st.errorStreak = streak
		if len(runs) > 0 {
			last := runs[0]
			st.lastRun = &last
		}
		s.mu.Unlock()
	}
	return nil
}

// Start ticks until ctx is done. Runs started afterwards inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: started",
		zap.Int("stages", len(s.order)),
		zap.Duration("tick", s.cfg.TickInterval),
		zap.String("timezone", s.cfg.Location.String()),
	)
	s.Tick(ctx, s.nowFunc())
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.nowFunc())
		}
	}
}

// Tick advances every stage's state machine to now: watchdog kills, then
// due stages start, defer on stale dependencies, or record an overlap skip.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.watchdog(ctx, now)

	for _, name := range s.order {
		s.mu.Lock()
		st := s.stages[name]
		if st.spec.Disabled {
			s.mu.Unlock()
			continue
		}
		if st.next.IsZero() {
			st.next = st.cadence.Next(now)
			s.mu.Unlock()
			continue
		}
		if now.Before(st.next) {
			s.mu.Unlock()
			continue
		}
		scheduledAt := st.next
		spec := st.spec
		running := st.running != nil
		s.mu.Unlock()

		if running {
			s.skipOverlap(ctx, name, model.TriggerSchedule, scheduledAt, now)
			s.advance(name, now)
			continue
		}

		fresh, reason, err := s.dependenciesFresh(ctx, spec, now)
		if err != nil {
			zap.L().Error("scheduler: dependency check failed", zap.String("stage", name), zap.Error(err))
			continue
		}
		if !fresh {
			s.mu.Lock()
			if !st.deferred {
				zap.L().Info("scheduler: stage deferred",
					zap.String("stage", name),
					zap.String("reason", reason),
				)
				st.deferred = true
			}
			s.mu.Unlock()
			continue
		}

		if _, err := s.start(ctx, name, model.TriggerSchedule, scheduledAt, now); err != nil {
			zap.L().Error("scheduler: start run failed", zap.String("stage", name), zap.Error(err))
			continue
		}
		s.advance(name, now)
	}
}

func (s *Scheduler) advance(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stages[name]
	st.next = st.cadence.Next(now)
	st.deferred = false
}

// dependenciesFresh reports whether every dependency's last success ended
// within its freshness window.
func (s *Scheduler) dependenciesFresh(ctx context.Context, spec catalog.StageSpec, now time.Time) (bool, string, error) {
	for _, dep := range spec.DependsOn {
		last, err := s.store.LastStageRun(ctx, dep.Stage, model.RunStatusSucceeded)
		if err != nil {
			return false, "", eris.Wrapf(err, "scheduler: last success of %s", dep.Stage)
		}
		if last == nil || last.EndedAt == nil {
			return false, dep.Stage + " has never succeeded", nil
		}
		if age := now.Sub(*last.EndedAt); age > dep.FreshWithin {
			return false, dep.Stage + " last succeeded " + age.Round(time.Minute).String() + " ago", nil
		}
	}
	return true, "", nil
}

// start records a RUNNING run and emits its event. The caller has checked
// for overlap; start re-checks under the lock.
func (s *Scheduler) start(ctx context.Context, name string, trigger model.Trigger, scheduledAt, now time.Time) (model.StageRun, error) {
	s.mu.Lock()
	st := s.stages[name]
	if st.running != nil {
		s.mu.Unlock()
		return model.StageRun{}, resilience.ErrStageOverlap
	}
	started := now
	run := model.StageRun{
		ID:          uuid.NewString(),
		Stage:       name,
		Trigger:     trigger,
		Status:      model.RunStatusRunning,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
	}
	maxDur := st.spec.MaxDuration
	if maxDur <= 0 {
		maxDur = s.cfg.DefaultMaxDuration
	}
	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	st.running = &activeRun{run: run, cancel: cancel, deadline: now.Add(maxDur)}
	spec := st.spec
	s.mu.Unlock()

	if err := s.store.CreateStageRun(ctx, run); err != nil {
		s.mu.Lock()
		st.running = nil
		s.mu.Unlock()
		cancel(err)
		return model.StageRun{}, eris.Wrapf(err, "scheduler: create run for %s", name)
	}

	zap.L().Info("scheduler: stage started",
		zap.String("stage", name),
		zap.String("run_id", run.ID),
		zap.String("trigger", string(trigger)),
		zap.Time("scheduled_at", scheduledAt),
	)

	select {
	case s.events <- RunEvent{Run: run, Spec: spec, Ctx: runCtx}:
	case <-ctx.Done():
		s.finish(context.WithoutCancel(ctx), name, run.ID, model.StageOutcome{
			Status: model.RunStatusFailed,
			Error:  "not handed to runner: " + ctx.Err().Error(),
		}, now)
		return model.StageRun{}, eris.Wrap(ctx.Err(), "scheduler: emit run")
	}
	return run, nil
}

func (s *Scheduler) skipOverlap(ctx context.Context, name string, trigger model.Trigger, scheduledAt, now time.Time) model.StageRun {
	ended := now
	run := model.StageRun{
		ID:          uuid.NewString(),
		Stage:       name,
		Trigger:     trigger,
		Status:      model.RunStatusSkippedOverlap,
		ScheduledAt: scheduledAt,
		EndedAt:     &ended,
		Error:       resilience.ErrStageOverlap.Error(),
	}
	if err := s.store.CreateStageRun(ctx, run); err != nil {
		zap.L().Error("scheduler: record overlap skip failed", zap.String("stage", name), zap.Error(err))
	}
	zap.L().Info("scheduler: stage skipped, previous run still active",
		zap.String("stage", name),
		zap.String("trigger", string(trigger)),
	)
	return run
}

// watchdog fails runs past their deadline and cancels their context.
func (s *Scheduler) watchdog(ctx context.Context, now time.Time) {
	type expired struct {
		name  string
		runID string
	}
	var kills []expired

	s.mu.Lock()
	for _, name := range s.order {
		if ar := s.stages[name].running; ar != nil && !now.Before(ar.deadline) {
			kills = append(kills, expired{name, ar.run.ID})
		}
	}
	s.mu.Unlock()

	for _, k := range kills {
		zap.L().Warn("scheduler: watchdog killed run",
			zap.String("stage", k.name),
			zap.String("run_id", k.runID),
		)
		s.finishWithCause(ctx, k.name, k.runID, model.StageOutcome{
			Status: model.RunStatusFailed,
			Error:  resilience.ErrWatchdogTimeout.Error(),
		}, now, resilience.ErrWatchdogTimeout)
	}
}

// RunNow starts a manual run. If the stage is running, a SKIPPED_OVERLAP run
// is recorded and returned with resilience.ErrStageOverlap.
func (s *Scheduler) RunNow(ctx context.Context, name string) (model.StageRun, error) {
	now := s.nowFunc()
	s.mu.Lock()
	st, ok := s.stages[name]
	if !ok {
		s.mu.Unlock()
		return model.StageRun{}, eris.Wrapf(ErrUnknownStage, "%s", name)
	}
	running := st.running != nil
	s.mu.Unlock()

	if running {
		return s.skipOverlap(ctx, name, model.TriggerManual, now, now), resilience.ErrStageOverlap
	}
	run, err := s.start(ctx, name, model.TriggerManual, now, now)
	if eris.Is(err, resilience.ErrStageOverlap) {
		return s.skipOverlap(ctx, name, model.TriggerManual, now, now), resilience.ErrStageOverlap
	}
	return run, err
}

// Cancel stops a stage's active run and marks it FAILED.
func (s *Scheduler) Cancel(ctx context.Context, name string) (model.StageRun, error) {
	s.mu.Lock()
	st, ok := s.stages[name]
	if !ok {
		s.mu.Unlock()
		return model.StageRun{}, eris.Wrapf(ErrUnknownStage, "%s", name)
	}
	if st.running == nil {
		s.mu.Unlock()
		return model.StageRun{}, eris.Wrapf(ErrNotRunning, "%s", name)
	}
	runID := st.running.run.ID
	s.mu.Unlock()

	zap.L().Warn("scheduler: run cancelled by operator", zap.String("stage", name), zap.String("run_id", runID))
	return s.finishWithCause(ctx, name, runID, model.StageOutcome{
		Status: model.RunStatusFailed,
		Error:  ErrCancelled.Error(),
	}, s.nowFunc(), ErrCancelled)
}

// Complete records the runner's outcome. Outcomes for runs already closed by
// the watchdog or Cancel are ignored.
func (s *Scheduler) Complete(ctx context.Context, runID string, out model.StageOutcome) error {
	s.mu.Lock()
	name := ""
	for _, n := range s.order {
		if ar := s.stages[n].running; ar != nil && ar.run.ID == runID {
			name = n
			break
		}
	}
	s.mu.Unlock()
	if name == "" {
		zap.L().Debug("scheduler: outcome for inactive run ignored", zap.String("run_id", runID))
		return nil
	}
	if !out.Status.Terminal() {
		out.Status = model.RunStatusFailed
	}
	_, err := s.finish(ctx, name, runID, out, s.nowFunc())
	return err
}

func (s *Scheduler) finish(ctx context.Context, name, runID string, out model.StageOutcome, now time.Time) (model.StageRun, error) {
	return s.finishWithCause(ctx, name, runID, out, now, nil)
}

func (s *Scheduler) finishWithCause(ctx context.Context, name, runID string, out model.StageOutcome, now time.Time, cause error) (model.StageRun, error) {
	s.mu.Lock()
	st := s.stages[name]
	ar := st.running
	if ar == nil || ar.run.ID != runID {
		s.mu.Unlock()
		return model.StageRun{}, nil
	}
	run := ar.run
	ended := now
	run.Status = out.Status
	run.EndedAt = &ended
	run.ItemsTotal = out.ItemsTotal
	run.ItemsSucceeded = out.ItemsSucceeded
	run.ItemsFailed = out.ItemsFailed
	run.Error = out.Error

	st.running = nil
	st.lastRun = &run
	if run.Status == model.RunStatusFailed {
		st.errorStreak++
	} else {
		st.errorStreak = 0
	}
	s.mu.Unlock()

	ar.cancel(cause)

	zap.L().Info("scheduler: stage finished",
		zap.String("stage", name),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("items", run.ItemsTotal),
		zap.Int("requeued", out.ItemsRequeued),
		zap.String("error", run.Error),
	)
	if err := s.store.UpdateStageRun(ctx, run); err != nil {
		return run, eris.Wrapf(err, "scheduler: update run %s", run.ID)
	}
	return run, nil
}

// Status reports every stage in catalog order.
func (s *Scheduler) Status() []StageStatus {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StageStatus, 0, len(s.order))
	for _, name := range s.order {
		st := s.stages[name]
		ss := StageStatus{Spec: st.spec, ErrorStreak: st.errorStreak}
		if st.running != nil {
			r := st.running.run
			ss.Running = &r
		}
		if st.lastRun != nil {
			r := *st.lastRun
			ss.LastRun = &r
		}
		if !st.spec.Disabled {
			next := st.next
			if next.IsZero() {
				next = st.cadence.Next(now)
			}
			ss.NextRun = &next
		}
		out = append(out, ss)
	}
	return out
}

// Stage returns one stage's status.
func (s *Scheduler) Stage(name string) (StageStatus, error) {
	for _, ss := range s.Status() {
		if ss.Spec.Name == name {
			return ss, nil
		}
	}
	return StageStatus{}, eris.Wrapf(ErrUnknownStage, "%s", name)
}
