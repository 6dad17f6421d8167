package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/store"
)

// maxStageRuns bounds how many runs per stage one scoring pass reads.
const maxStageRuns = 1000

// Scorer recomputes provider and stage health on its own cadence.
type Scorer struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	usage    registry.UsageSource
	store    store.Store
	stages   []string
	cfg      Config
	alerter  *Alerter
	nowFunc  func() time.Time
}

// NewScorer creates a Scorer. usage may be nil, in which case quota
// utilization counts as zero.
func NewScorer(reg *registry.Registry, led *ledger.Ledger, usage registry.UsageSource, st store.Store, stages []string, cfg Config) *Scorer {
	return &Scorer{
		registry: reg,
		ledger:   led,
		usage:    usage,
		store:    st,
		stages:   stages,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// WithAlerter sends an alert whenever the scorer throttles a provider.
func (s *Scorer) WithAlerter(a *Alerter) *Scorer {
	s.alerter = a
	return s
}

// WithClock replaces the time source. Intended for tests.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.nowFunc = now
	return s
}

// Run scores once per interval until ctx is cancelled.
func (s *Scorer) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "health.scorer"))
	log.Info("starting health scorer",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("window", s.cfg.Window),
		zap.Float64("floor", s.cfg.Floor),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health scorer stopped")
			return
		case <-ticker.C:
			if _, err := s.ScoreOnce(ctx); err != nil {
				log.Error("health: scoring pass failed", zap.Error(err))
			}
		}
	}
}

// ScoreOnce scores every provider and stage over the trailing window,
// applies scores and throttles to the registry and persists snapshots.
func (s *Scorer) ScoreOnce(ctx context.Context) ([]model.HealthSnapshot, error) {
	now := s.nowFunc()
	since := now.Add(-s.cfg.Window)

	summaries, err := s.ledger.Summarize(ctx, ledger.Filter{Since: since, Until: now})
	if err != nil {
		return nil, eris.Wrap(err, "health: summarize ledger")
	}
	byProvider := make(map[string]ledger.UsageSummary, len(summaries))
	for _, sum := range summaries {
		byProvider[sum.ProviderID] = sum
	}

	var (
		snaps  []model.HealthSnapshot
		alerts []Alert
	)
	for _, p := range s.registry.List() {
		snap, alert := s.scoreProvider(ctx, p, byProvider[p.ID], since, now)
		snaps = append(snaps, snap)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	for _, name := range s.stages {
		snap, err := s.scoreStage(ctx, name, since, now)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	if err := s.store.SaveSnapshots(ctx, snaps); err != nil {
		return nil, eris.Wrap(err, "health: save snapshots")
	}
	if s.alerter != nil && len(alerts) > 0 {
		s.alerter.Notify(ctx, "scorer", alerts)
	}

	zap.L().Info("health: scoring pass complete",
		zap.Int("snapshots", len(snaps)),
		zap.Int("throttled", len(alerts)),
	)
	return snaps, nil
}

func (s *Scorer) scoreProvider(ctx context.Context, p model.Provider, sum ledger.UsageSummary, since, now time.Time) (model.HealthSnapshot, *Alert) {
	var util float64
	if s.usage != nil {
		u, err := s.usage.Usage(ctx, p.ID)
		if err != nil {
			zap.L().Warn("health: quota usage unavailable", zap.String("provider", p.ID), zap.Error(err))
		} else {
			util = u.Utilization
		}
	}

	in := Inputs{
		Samples:          sum.Attempts,
		SuccessRate:      sum.SuccessRate(),
		MeanLatency:      sum.MeanLatency,
		QuotaUtilization: util,
	}
	score := Score(in, s.cfg.Weights, s.cfg.LatencyCeiling)

	if _, err := s.registry.SetHealth(ctx, p.ID, score); err != nil {
		zap.L().Error("health: set score failed", zap.String("provider", p.ID), zap.Error(err))
	}

	snap := model.HealthSnapshot{
		ID:               uuid.NewString(),
		Kind:             model.SubjectProvider,
		SubjectID:        p.ID,
		WindowStart:      since,
		WindowEnd:        now,
		Samples:          in.Samples,
		SuccessRate:      in.SuccessRate,
		MeanLatency:      in.MeanLatency,
		QuotaUtilization: util,
		Score:            score,
		TakenAt:          now,
	}

	if score >= s.cfg.Floor || p.State != model.ProviderActive {
		return snap, nil
	}

	until := now.Add(s.cfg.Cooldown)
	reason := fmt.Sprintf("health %.1f below floor %.1f", score, s.cfg.Floor)
	if _, err := s.registry.Throttle(ctx, p.ID, until, reason); err != nil {
		zap.L().Error("health: throttle failed", zap.String("provider", p.ID), zap.Error(err))
		return snap, nil
	}
	return snap, &Alert{
		Type:     AlertProviderThrottled,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Provider %s throttled until %s: %s", p.ID, until.Format(time.RFC3339), reason),
		Throttle: &Throttle{
			ProviderID:  p.ID,
			Capability:  p.Capability,
			Score:       score,
			Floor:       s.cfg.Floor,
			SuccessRate: in.SuccessRate,
			Samples:     in.Samples,
			Until:       until,
		},
		Timestamp: now,
	}
}

func (s *Scorer) scoreStage(ctx context.Context, name string, since, now time.Time) (model.HealthSnapshot, error) {
	runs, err := s.store.ListStageRuns(ctx, store.RunFilter{Stage: name, Since: since, Limit: maxStageRuns})
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrapf(err, "health: list runs for %s", name)
	}

	var succeeded, failed int
	var total time.Duration
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusSucceeded:
			succeeded++
		case model.RunStatusFailed:
			failed++
		default:
			continue
		}
		if r.StartedAt != nil && r.EndedAt != nil {
			total += r.EndedAt.Sub(*r.StartedAt)
		}
	}

	samples := succeeded + failed
	rate := 1.0
	var mean time.Duration
	if samples > 0 {
		rate = float64(succeeded) / float64(samples)
		mean = total / time.Duration(samples)
	}
	return model.HealthSnapshot{
		ID:          uuid.NewString(),
		Kind:        model.SubjectStage,
		SubjectID:   name,
		WindowStart: since,
		WindowEnd:   now,
		Samples:     samples,
		SuccessRate: rate,
		MeanLatency: mean,
		Score:       rate * 100,
		TakenAt:     now,
	}, nil
}
