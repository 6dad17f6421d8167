package resilience

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("p1", CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.nowFunc = clk.Now
	return cb, clk
}

func TestCircuitBreaker_ClosedIsReady(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	if !cb.Ready() {
		t.Fatal("new breaker should be ready")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Ready() {
		t.Fatal("breaker should stay closed below threshold")
	}
	cb.RecordFailure()

	if cb.Ready() {
		t.Error("breaker should not be ready after threshold failures")
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("interleaved success should reset the streak, got %s", cb.State())
	}
	failures, _ := cb.Counters()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clk := newTestBreaker(1, 30*time.Second)

	cb.RecordFailure()
	if cb.Ready() {
		t.Fatal("expected open breaker")
	}

	clk.Advance(31 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open, got %s", cb.State())
	}
	if !cb.Ready() {
		t.Fatal("half-open breaker should admit a probe")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, 30*time.Second)

	cb.RecordFailure()
	clk.Advance(31 * time.Second)
	if !cb.Ready() {
		t.Fatal("expected probe admission")
	}
	cb.RecordFailure()

	if cb.Ready() {
		t.Error("failed probe should reopen the breaker")
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("p1", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second, HalfOpenMaxProbes: 2})
	cb.nowFunc = clk.Now

	cb.RecordFailure()
	clk.Advance(31 * time.Second)

	if !cb.Ready() || !cb.Ready() {
		t.Fatal("half-open breaker should admit two probes")
	}
	if cb.Ready() {
		t.Fatal("third concurrent probe should be refused")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("one success of two should stay half-open, got %s", cb.State())
	}
	if !cb.Ready() {
		t.Fatal("a finished probe frees its slot")
	}
	if cb.Ready() {
		t.Fatal("slots are full again")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("two successful probes should close, got %s", cb.State())
	}
	if !cb.Ready() || !cb.Ready() || !cb.Ready() {
		t.Error("closed breaker admits everyone")
	}
}

func TestCircuitBreaker_ReleaseReturnsProbeSlot(t *testing.T) {
	cb, clk := newTestBreaker(1, 30*time.Second)
	cb.RecordFailure()
	clk.Advance(31 * time.Second)

	if !cb.Ready() {
		t.Fatal("expected probe admission")
	}
	if cb.Ready() {
		t.Fatal("single probe slot should be taken")
	}
	cb.Release()
	if !cb.Ready() {
		t.Error("released slot should admit the next caller")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	cb.RecordFailure()
	cb.Reset()

	if !cb.Ready() {
		t.Error("reset breaker should be ready")
	}
	failures, state := cb.Counters()
	if failures != 0 || state != CircuitClosed {
		t.Errorf("unexpected counters after reset: %d %s", failures, state)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("p1", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	cb.RecordFailure()
	cb.Reset()

	want := []string{"p1:closed->open", "p1:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestProviderBreakers_GetIsStable(t *testing.T) {
	pb := NewProviderBreakers(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = pb.Get("hunter")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("expected one breaker per provider")
		}
	}
	if pb.Get("zerobounce") == got[0] {
		t.Error("distinct providers must not share a breaker")
	}
}

func TestProviderBreakers_States(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	pb := NewProviderBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}).WithClock(clk.Now)

	pb.Get("a").RecordFailure()
	pb.Get("b").RecordSuccess()

	states := pb.States()
	if states["a"] != CircuitOpen {
		t.Errorf("expected a open, got %s", states["a"])
	}
	if states["b"] != CircuitClosed {
		t.Errorf("expected b closed, got %s", states["b"])
	}
}

func TestCircuitState_String(t *testing.T) {
	if CircuitState(99).String() != "unknown" {
		t.Error("expected unknown for out-of-range state")
	}
}
