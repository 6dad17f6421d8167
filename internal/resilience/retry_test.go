package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.retry, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, JitterFraction: 0.25}
	for i := 0; i < 200; i++ {
		got := Backoff(1, cfg)
		if got < 150*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("jittered backoff out of range: %v", got)
		}
	}
}

func TestDelay(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}

	tests := []struct {
		name  string
		retry int
		hint  time.Duration
		want  time.Duration
	}{
		{"no hint uses backoff", 1, 0, 2 * time.Second},
		{"hint replaces backoff", 1, 7 * time.Second, 7 * time.Second},
		{"hint capped", 0, time.Minute, 30 * time.Second},
		{"backoff capped", 8, 0, 30 * time.Second},
		{"negative hint ignored", 0, -time.Second, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.retry, cfg, tt.hint); got != tt.want {
				t.Errorf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryConfig_WithDefaults(t *testing.T) {
	cfg := RetryConfig{JitterFraction: -1}.WithDefaults()
	def := DefaultRetryConfig()
	if cfg.MaxAttempts != def.MaxAttempts || cfg.InitialBackoff != def.InitialBackoff ||
		cfg.MaxBackoff != def.MaxBackoff || cfg.Multiplier != def.Multiplier {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.JitterFraction != 0 {
		t.Errorf("negative jitter should clamp to 0, got %v", cfg.JitterFraction)
	}

	inverted := RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Second}.WithDefaults()
	if inverted.MaxBackoff != time.Minute {
		t.Errorf("max backoff below initial should be raised, got %v", inverted.MaxBackoff)
	}

	shrinking := RetryConfig{Multiplier: 0.5}.WithDefaults()
	if shrinking.Multiplier != def.Multiplier {
		t.Errorf("multiplier below 1 should fall back, got %v", shrinking.Multiplier)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep should return nil, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("short sleep should return nil, got %v", err)
	}
}
