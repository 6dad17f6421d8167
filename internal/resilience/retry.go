package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig is the per-capability retry policy applied by the dispatcher.
// MaxAttempts counts every provider attempt, failovers included.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFraction spreads each delay by up to ±fraction. 0 disables it.
	JitterFraction float64
}

// DefaultRetryConfig is used for capabilities with no configured policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// WithDefaults fills unset fields from DefaultRetryConfig. Jitter is left
// alone unless negative, so 0 keeps delays deterministic.
func (cfg RetryConfig) WithDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// Backoff is the delay after the zero-based retry: InitialBackoff *
// Multiplier^retry, capped at MaxBackoff, then jittered.
func Backoff(retry int, cfg RetryConfig) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(retry))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		d += (rand.Float64()*2 - 1) * d * cfg.JitterFraction
	}
	return time.Duration(math.Max(d, 0))
}

// Delay picks the wait before the next round. A positive hint, such as the
// time until a quota window rolls over, replaces the exponential backoff.
// Either way the wait never exceeds MaxBackoff.
func Delay(retry int, cfg RetryConfig, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = Backoff(retry, cfg)
	}
	return min(d, cfg.MaxBackoff)
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() when
// interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
