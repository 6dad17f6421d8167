package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/config"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/scheduler"
)

// StageLister reports stage status. *scheduler.Scheduler satisfies it.
type StageLister interface {
	Status() []scheduler.StageStatus
}

// StageStreak is a stage with consecutive failed runs.
type StageStreak struct {
	Stage  string `json:"stage"`
	Streak int    `json:"streak"`
}

// Availability is a point-in-time view of what can currently run.
type Availability struct {
	// Routable counts providers the selector could pick per capability:
	// ACTIVE, quota left, a client attached and the circuit not open.
	Routable      map[model.Capability]int `json:"routable"`
	Unavailable   []model.Capability       `json:"unavailable"`
	FailingStages []StageStreak            `json:"failing_stages"`
	CheckedAt     time.Time                `json:"checked_at"`
}

// Checker periodically checks provider and stage availability and alerts
// when a capability has no routable provider or a stage keeps failing. Each
// condition alerts once until it clears.
type Checker struct {
	registry *registry.Registry
	breakers *resilience.ProviderBreakers
	stages   StageLister
	alerter  *Alerter
	cfg      config.MonitoringConfig
	nowFunc  func() time.Time

	alerted map[string]bool
}

// NewChecker creates an availability checker. stages may be nil.
func NewChecker(reg *registry.Registry, stages StageLister, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		registry: reg,
		stages:   stages,
		alerter:  alerter,
		cfg:      cfg,
		nowFunc:  time.Now,
		alerted:  make(map[string]bool),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.nowFunc = now
	return c
}

// WithBreakers makes providers with an open circuit count as unroutable.
func (c *Checker) WithBreakers(pb *resilience.ProviderBreakers) *Checker {
	c.breakers = pb
	return c
}

// Run checks once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "health.checker"))
	log.Info("starting availability checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("availability checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("health: availability check failed", zap.Error(err))
			}
		}
	}
}

// Collect builds the current Availability.
func (c *Checker) Collect(ctx context.Context) (*Availability, error) {
	providers, err := c.registry.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "health: provider snapshot")
	}

	av := &Availability{
		Routable:  make(map[model.Capability]int),
		CheckedAt: c.nowFunc().UTC(),
	}
	for _, capability := range model.AllCapabilities() {
		av.Routable[capability] = 0
	}
	for _, p := range providers {
		if c.routable(p) {
			av.Routable[p.Capability]++
		}
	}
	for _, capability := range model.AllCapabilities() {
		if av.Routable[capability] == 0 && len(c.registry.ForCapability(capability)) > 0 {
			av.Unavailable = append(av.Unavailable, capability)
		}
	}

	if c.stages != nil {
		threshold := c.cfg.StageFailureAlert
		if threshold <= 0 {
			threshold = 3
		}
		for _, st := range c.stages.Status() {
			if st.ErrorStreak >= threshold {
				av.FailingStages = append(av.FailingStages, StageStreak{Stage: st.Spec.Name, Streak: st.ErrorStreak})
			}
		}
		sort.Slice(av.FailingStages, func(i, j int) bool { return av.FailingStages[i].Stage < av.FailingStages[j].Stage })
	}
	return av, nil
}

func (c *Checker) routable(p model.Provider) bool {
	if p.State != model.ProviderActive {
		return false
	}
	if _, ok := c.registry.Client(p.ID); !ok {
		return false
	}
	// State, unlike Ready, does not take a half-open probe slot.
	return c.breakers == nil || c.breakers.Get(p.ID).State() != resilience.CircuitOpen
}

// Evaluate turns newly observed conditions into alerts. Conditions already
// alerted are skipped; cleared conditions are forgotten so they alert again
// if they return.
func (c *Checker) Evaluate(av *Availability) []Alert {
	current := make(map[string]bool)
	var alerts []Alert

	for _, capability := range av.Unavailable {
		key := "capability:" + string(capability)
		current[key] = true
		if c.alerted[key] {
			continue
		}
		alerts = append(alerts, Alert{
			Type:       AlertCapabilityUnavailable,
			Severity:   SeverityHigh,
			Message:    fmt.Sprintf("No provider can serve %s right now", capability),
			Capability: capability,
			Timestamp:  av.CheckedAt,
		})
	}
	for _, fs := range av.FailingStages {
		key := "stage:" + fs.Stage
		current[key] = true
		if c.alerted[key] {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      AlertStageFailing,
			Severity:  SeverityMedium,
			Message:   fmt.Sprintf("Stage %s failed %d runs in a row", fs.Stage, fs.Streak),
			Stage:     &StageStreak{Stage: fs.Stage, Streak: fs.Streak},
			Timestamp: av.CheckedAt,
		})
	}

	c.alerted = current
	return alerts
}

// Check collects, evaluates and sends alerts once.
func (c *Checker) Check(ctx context.Context) (*Availability, error) {
	av, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	alerts := c.Evaluate(av)
	if len(alerts) == 0 {
		zap.L().Debug("health: all capabilities routable")
		return av, nil
	}
	delivered := c.alerter.Notify(ctx, "checker", alerts)
	zap.L().Info("health: availability check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Bool("delivered", delivered),
	)
	return av, nil
}
