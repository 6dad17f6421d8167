package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/model"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status      int
		outcome     model.Outcome
		retryable   bool
		billable    bool
		sentinel    error
		notSentinel error
	}{
		{429, model.OutcomeRateLimited, true, true, ErrQuotaExhausted, ErrRequestRejected},
		{408, model.OutcomeTimeout, true, true, ErrProviderUnavailable, ErrRequestRejected},
		{504, model.OutcomeTimeout, true, true, ErrProviderUnavailable, ErrRequestRejected},
		{500, model.OutcomeProviderError, true, false, ErrProviderUnavailable, ErrRequestRejected},
		{503, model.OutcomeProviderError, true, false, ErrProviderUnavailable, ErrQuotaExhausted},
		{400, model.OutcomeProviderError, false, true, ErrRequestRejected, ErrProviderUnavailable},
		{422, model.OutcomeProviderError, false, true, ErrRequestRejected, ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			ce := FromStatus(tt.status, errors.New("boom"))
			if ce.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", ce.Outcome, tt.outcome)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", ce.Retryable, tt.retryable)
			}
			if ce.Billable != tt.billable {
				t.Errorf("billable = %v, want %v", ce.Billable, tt.billable)
			}
			if !errors.Is(ce, tt.sentinel) {
				t.Errorf("expected errors.Is(%v)", tt.sentinel)
			}
			if errors.Is(ce, tt.notSentinel) {
				t.Errorf("did not expect errors.Is(%v)", tt.notSentinel)
			}
		})
	}
}

func TestCallError_SurvivesWrapping(t *testing.T) {
	err := eris.Wrap(Rejected(404, errors.New("unknown domain")), "enrich acme.com")

	if !errors.Is(err, ErrRequestRejected) {
		t.Error("wrapped rejection should still match ErrRequestRejected")
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.StatusCode != 404 {
		t.Errorf("expected CallError with status 404, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if Classify(nil) != nil {
			t.Error("expected nil")
		}
	})

	t.Run("passthrough", func(t *testing.T) {
		orig := RateLimited(429, errors.New("slow down"))
		if Classify(fmt.Errorf("call: %w", orig)) != orig {
			t.Error("classified errors should pass through")
		}
	})

	t.Run("deadline", func(t *testing.T) {
		ce := Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
		if ce.Outcome != model.OutcomeTimeout || !ce.Billable {
			t.Errorf("unexpected classification: %+v", ce)
		}
	})

	t.Run("net timeout", func(t *testing.T) {
		ce := Classify(&net.OpError{Op: "read", Err: &timeoutErr{}})
		if ce.Outcome != model.OutcomeTimeout {
			t.Errorf("expected timeout, got %s", ce.Outcome)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		ce := Classify(syscall.ECONNREFUSED)
		if ce.Outcome != model.OutcomeProviderError || !ce.Retryable || ce.Billable {
			t.Errorf("unexpected classification: %+v", ce)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		ce := Classify(errors.New("decode: unexpected token"))
		if !ce.Retryable || !ce.Billable {
			t.Errorf("unknown errors should be retryable and billable: %+v", ce)
		}
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", Unavailable(503, errors.New("x")), true},
		{"rejected", Rejected(400, errors.New("x")), false},
		{"wrapped econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"message match", errors.New("dial tcp: lookup api.hunter.io: no such host"), true},
		{"plain", errors.New("invalid json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallError_Message(t *testing.T) {
	ce := Unavailable(502, errors.New("bad gateway"))
	if ce.Error() != "PROVIDER_ERROR (status 502): bad gateway" {
		t.Errorf("unexpected message %q", ce.Error())
	}
	ce = Unavailable(0, errors.New("reset"))
	if ce.Error() != "PROVIDER_ERROR: reset" {
		t.Errorf("unexpected message %q", ce.Error())
	}
}
