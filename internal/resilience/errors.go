// Package resilience holds the error taxonomy, retry backoff and circuit
// breakers shared by the dispatcher and the failover selector.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/model"
)

var (
	// ErrQuotaExhausted means every provider for a capability is currently
	// rate limited. Retry later.
	ErrQuotaExhausted = eris.New("quota exhausted")
	// ErrProviderUnavailable covers network failures, timeouts and 5xx responses.
	ErrProviderUnavailable = eris.New("provider unavailable")
	// ErrRequestRejected is a semantic 4xx rejection. It is never retried.
	ErrRequestRejected = eris.New("request rejected")
	// ErrStageOverlap is informational: a firing found the stage already running.
	ErrStageOverlap = eris.New("stage already running")
	// ErrWatchdogTimeout marks a stage that exceeded its max duration.
	ErrWatchdogTimeout = eris.New("stage watchdog timeout")
)

// CallError is the classified failure of a single provider call.
type CallError struct {
	Outcome    model.Outcome
	StatusCode int
	// Billable is false when the provider refused before accepting the request;
	// the quota reservation is rolled back in that case.
	Billable  bool
	Retryable bool
	Err       error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Outcome, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Outcome, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is maps the outcome onto the sentinel taxonomy so callers can use errors.Is.
func (e *CallError) Is(target error) bool {
	switch target {
	case ErrRequestRejected:
		return e.Outcome == model.OutcomeProviderError && !e.Retryable
	case ErrProviderUnavailable:
		return e.Outcome == model.OutcomeTimeout || (e.Outcome == model.OutcomeProviderError && e.Retryable)
	case ErrQuotaExhausted:
		return e.Outcome == model.OutcomeRateLimited
	}
	return false
}

// Rejected builds a terminal 4xx failure.
func Rejected(statusCode int, err error) *CallError {
	return &CallError{Outcome: model.OutcomeProviderError, StatusCode: statusCode, Billable: true, Err: err}
}

// Unavailable builds a retryable server-side failure. The call is not billed.
func Unavailable(statusCode int, err error) *CallError {
	return &CallError{Outcome: model.OutcomeProviderError, StatusCode: statusCode, Retryable: true, Err: err}
}

// RateLimited builds a retryable 429 failure.
func RateLimited(statusCode int, err error) *CallError {
	return &CallError{Outcome: model.OutcomeRateLimited, StatusCode: statusCode, Billable: true, Retryable: true, Err: err}
}

// Timeout builds a retryable timeout failure. The request was sent, so it is billed.
func Timeout(err error) *CallError {
	return &CallError{Outcome: model.OutcomeTimeout, StatusCode: http.StatusRequestTimeout, Billable: true, Retryable: true, Err: err}
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(statusCode int, err error) *CallError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimited(statusCode, err)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return &CallError{Outcome: model.OutcomeTimeout, StatusCode: statusCode, Billable: true, Retryable: true, Err: err}
	case statusCode >= 500:
		return Unavailable(statusCode, err)
	default:
		return Rejected(statusCode, err)
	}
}

// Classify converts any provider error into a CallError. Errors that are
// already classified pass through unchanged.
func Classify(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	if IsTransient(err) {
		return Unavailable(0, err)
	}
	// Unknown failures are treated as retryable and billed; quota is never
	// handed back for an error we cannot explain.
	return &CallError{Outcome: model.OutcomeProviderError, Billable: true, Retryable: true, Err: err}
}

// IsTransient returns true if the error matches common transient network
// patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
