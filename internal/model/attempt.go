package model

import "time"

// Outcome classifies a single provider invocation.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeRateLimited   Outcome = "RATE_LIMITED"
	OutcomeProviderError Outcome = "PROVIDER_ERROR"
	OutcomeTimeout       Outcome = "TIMEOUT"
)

// CapabilityRequest asks for capability X with payload Y. It is immutable once
// issued by the dispatcher.
type CapabilityRequest struct {
	ID          string     `json:"id"`
	Capability  Capability `json:"capability"`
	Payload     Payload    `json:"payload"`
	Stage       string     `json:"stage,omitempty"`
	Deadline    time.Time  `json:"deadline,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	Cost        int64      `json:"cost,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CallAttempt is one concrete invocation of a provider. Rows are append-only.
type CallAttempt struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"request_id"`
	Attempt    int           `json:"attempt"`
	ProviderID string        `json:"provider_id"`
	Capability Capability    `json:"capability"`
	Stage      string        `json:"stage,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
	CostUnits  int64         `json:"cost_units"`
	Billable   bool          `json:"billable"`
	StartedAt  time.Time     `json:"started_at"`
}
