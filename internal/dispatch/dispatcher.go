// Package dispatch executes capability requests against providers with
// retries, and runs a stage's work items with bounded concurrency.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/failover"
	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
)

// defaultCallTimeout bounds a single provider call when the catalog sets none.
const defaultCallTimeout = 10 * time.Second

// Result is a successful dispatch.
type Result struct {
	Request    model.CapabilityRequest `json:"request"`
	ProviderID string                  `json:"provider_id"`
	Value      model.Result            `json:"value"`
	Attempts   int                     `json:"attempts"`
}

// Error is a failed dispatch. Err carries the classification, so errors.Is
// matches resilience.ErrRequestRejected, ErrProviderUnavailable or
// ErrQuotaExhausted.
type Error struct {
	RequestID  string
	Capability model.Capability
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: request %s (%s) failed after %d attempt(s): %v",
		e.RequestID, e.Capability, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Doer dispatches a single request. *Dispatcher implements it.
type Doer interface {
	Dispatch(ctx context.Context, req model.CapabilityRequest) (*Result, error)
}

// RetryPolicy returns the retry settings for a capability.
type RetryPolicy func(model.Capability) resilience.RetryConfig

// Dispatcher issues requests through the failover selector and records every
// provider attempt in the ledger.
type Dispatcher struct {
	selector *failover.Selector
	ledger   *ledger.Ledger
	registry *registry.Registry
	retry    RetryPolicy
	nowFunc  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher. A nil policy uses resilience defaults.
func NewDispatcher(sel *failover.Selector, led *ledger.Ledger, reg *registry.Registry, retry RetryPolicy) *Dispatcher {
	if retry == nil {
		retry = func(model.Capability) resilience.RetryConfig { return resilience.DefaultRetryConfig() }
	}
	return &Dispatcher{
		selector: sel,
		ledger:   led,
		registry: reg,
		retry:    retry,
		nowFunc:  time.Now,
		sleep:    resilience.Sleep,
	}
}

// WithSleep replaces the backoff sleeper. Intended for tests.
func (d *Dispatcher) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Dispatcher {
	d.sleep = fn
	return d
}

// WithClock replaces the time source. Intended for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.nowFunc = now
	return d
}

// Dispatch runs req to success or to a terminal failure. Rejections stop
// immediately; rate limits, timeouts and unavailability retry with backoff;
// a round with no provider waits for the shortest quota rollover. If the
// last round found no provider, the error matches ErrQuotaExhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.CapabilityRequest) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = d.nowFunc()
	}
	if req.Payload == nil || req.Payload.Capability() != req.Capability {
		return nil, &Error{RequestID: req.ID, Capability: req.Capability,
			Err: eris.Wrap(resilience.ErrRequestRejected, "payload does not match capability")}
	}

	cfg := d.retry(req.Capability).WithDefaults()
	if req.MaxAttempts > 0 {
		cfg.MaxAttempts = req.MaxAttempts
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	log := zap.L().With(
		zap.String("component", "dispatch"),
		zap.String("request_id", req.ID),
		zap.String("capability", string(req.Capability)),
		zap.String("stage", req.Stage),
	)

	var (
		lastErr     error
		noProvider  *failover.NoProviderError
		reachedOnce bool
		attempt     int
	)
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			attempt--
			return nil, d.fail(req, attempt, cancelled(ctx, lastErr))
		}

		h, err := d.selector.AcquireProvider(ctx, req.Capability, req.Cost)
		if err != nil {
			if !errors.As(err, &noProvider) {
				return nil, d.fail(req, attempt, err)
			}
			lastErr = err
			log.Warn("dispatch: no provider available",
				zap.Int("attempt", attempt),
				zap.Duration("retry_after", noProvider.RetryAfter),
			)
			if attempt == cfg.MaxAttempts {
				break
			}
			if err := d.sleep(ctx, resilience.Delay(attempt-1, cfg, noProvider.RetryAfter)); err != nil {
				return nil, d.fail(req, attempt, cancelled(ctx, lastErr))
			}
			continue
		}

		reachedOnce = true
		value, callErr := d.call(ctx, h, req, attempt, log)
		if callErr == nil {
			return &Result{Request: req, ProviderID: h.Provider.ID, Value: value, Attempts: attempt}, nil
		}

		ce := resilience.Classify(callErr)
		lastErr = ce
		if !ce.Retryable {
			return nil, d.fail(req, attempt, ce)
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if err := d.sleep(ctx, resilience.Delay(attempt-1, cfg, 0)); err != nil {
			return nil, d.fail(req, attempt, cancelled(ctx, lastErr))
		}
	}
	if attempt > cfg.MaxAttempts {
		attempt = cfg.MaxAttempts
	}

	// A final round with no provider means the request is parked on quota,
	// whatever earlier attempts returned.
	var lastNoProvider *failover.NoProviderError
	if errors.As(lastErr, &lastNoProvider) {
		if reachedOnce {
			log.Info("dispatch: quota ran out after provider attempts", zap.Int("attempts", attempt))
		}
		return nil, d.fail(req, attempt, fmt.Errorf("%w: %w", resilience.ErrQuotaExhausted, lastNoProvider))
	}
	return nil, d.fail(req, attempt, lastErr)
}

func cancelled(ctx context.Context, last error) error {
	cause := context.Cause(ctx)
	if last == nil {
		return cause
	}
	return fmt.Errorf("%w (last error: %v)", cause, last)
}

func (d *Dispatcher) fail(req model.CapabilityRequest, attempts int, err error) error {
	zap.L().Warn("dispatch: request failed",
		zap.String("request_id", req.ID),
		zap.String("capability", string(req.Capability)),
		zap.String("stage", req.Stage),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &Error{RequestID: req.ID, Capability: req.Capability, Attempts: attempts, Err: err}
}

// call performs one provider invocation. The call runs detached from ctx
// cancellation so an issued request completes and is recorded; it is still
// bounded by the provider timeout and the request deadline.
func (d *Dispatcher) call(ctx context.Context, h *failover.Handle, req model.CapabilityRequest, attempt int, log *zap.Logger) (model.Result, error) {
	detached := context.WithoutCancel(ctx)

	timeout := defaultCallTimeout
	if d.registry != nil {
		if spec, ok := d.registry.Spec(h.Provider.ID); ok && spec.Timeout > 0 {
			timeout = spec.Timeout
		}
	}
	callCtx, cancel := context.WithTimeout(detached, timeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		callCtx, cancelDL = context.WithDeadline(callCtx, dl)
		defer cancelDL()
	}

	started := d.nowFunc()
	value, err := h.Client.Call(callCtx, req.Payload)
	latency := d.nowFunc().Sub(started)
	if err == nil && (value == nil || value.Capability() != req.Capability) {
		err = resilience.Rejected(0, eris.Errorf("provider %s returned a result for the wrong capability", h.Provider.ID))
	}

	h.Report(detached, err)

	a := model.CallAttempt{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Attempt:    attempt,
		ProviderID: h.Provider.ID,
		Capability: req.Capability,
		Stage:      req.Stage,
		Outcome:    model.OutcomeSuccess,
		StatusCode: 200,
		Latency:    latency,
		CostUnits:  h.Reservation.Cost,
		Billable:   true,
		StartedAt:  started,
	}
	if ce := resilience.Classify(err); ce != nil {
		a.Outcome = ce.Outcome
		a.StatusCode = ce.StatusCode
		a.Billable = ce.Billable
		a.Error = ce.Error()
	}

	if _, lerr := d.ledger.Append(detached, a); lerr != nil {
		log.Error("dispatch: ledger append failed", zap.String("attempt_id", a.ID), zap.Error(lerr))
	}
	log.Info("dispatch: attempt",
		zap.Int("attempt", attempt),
		zap.String("provider", a.ProviderID),
		zap.String("outcome", string(a.Outcome)),
		zap.Int("status", a.StatusCode),
		zap.Duration("latency", latency),
		zap.Bool("billable", a.Billable),
	)
	return value, err
}
