// Package health scores providers and stages from recent ledger and run
// history, throttles providers whose score falls below the floor, and alerts
// when a capability or stage stops working.
package health

import (
	"time"

	"github.com/sells-group/agency-core/internal/config"
)

// Weights are the relative weights of the three score terms. They need not
// sum to one.
type Weights struct {
	SuccessRate float64
	Latency     float64
	Quota       float64
}

func (w Weights) normalized() Weights {
	sum := w.SuccessRate + w.Latency + w.Quota
	if sum <= 0 || w.SuccessRate < 0 || w.Latency < 0 || w.Quota < 0 {
		return Weights{SuccessRate: 0.6, Latency: 0.2, Quota: 0.2}
	}
	return Weights{SuccessRate: w.SuccessRate / sum, Latency: w.Latency / sum, Quota: w.Quota / sum}
}

// Inputs are the observations a provider score is computed from.
type Inputs struct {
	Samples          int
	SuccessRate      float64
	MeanLatency      time.Duration
	QuotaUtilization float64
}

// Score computes the 0–100 composite:
//
//	100 * (ws*successRate + wl*(1-min(latency/ceiling, 1)) + wq*(1-utilization))
//
// With no samples the success and latency terms count as perfect.
func Score(in Inputs, w Weights, latencyCeiling time.Duration) float64 {
	w = w.normalized()

	success := clamp01(in.SuccessRate)
	latency := 0.0
	if in.Samples == 0 {
		success = 1
	} else if latencyCeiling > 0 {
		latency = clamp01(float64(in.MeanLatency) / float64(latencyCeiling))
	}
	util := clamp01(in.QuotaUtilization)

	score := 100 * (w.SuccessRate*success + w.Latency*(1-latency) + w.Quota*(1-util))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Config tunes the scorer.
type Config struct {
	Interval       time.Duration
	Window         time.Duration
	LatencyCeiling time.Duration
	Floor          float64
	Cooldown       time.Duration
	Weights        Weights
}

// ConfigFrom converts the health config section, filling unset values.
func ConfigFrom(c config.HealthConfig) Config {
	out := Config{
		Interval:       c.Interval,
		Window:         c.Window,
		LatencyCeiling: c.LatencyCeiling,
		Floor:          c.Floor,
		Cooldown:       c.Cooldown,
		Weights: Weights{
			SuccessRate: c.Weights.SuccessRate,
			Latency:     c.Weights.Latency,
			Quota:       c.Weights.Quota,
		},
	}
	if out.Interval <= 0 {
		out.Interval = time.Hour
	}
	if out.Window <= 0 {
		out.Window = out.Interval
	}
	if out.LatencyCeiling <= 0 {
		out.LatencyCeiling = 5 * time.Second
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Minute
	}
	return out
}
