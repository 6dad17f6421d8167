package model

import "time"

// ProviderState is the routing state of a provider.
type ProviderState string

const (
	ProviderActive    ProviderState = "ACTIVE"
	ProviderThrottled ProviderState = "THROTTLED"
	ProviderDisabled  ProviderState = "DISABLED"
)

// QuotaLimits are per-window call limits. Zero means unlimited.
type QuotaLimits struct {
	PerMinute int64 `json:"per_minute" yaml:"per_minute"`
	PerHour   int64 `json:"per_hour" yaml:"per_hour"`
	PerDay    int64 `json:"per_day" yaml:"per_day"`
}

// QuotaUsage is a point-in-time view of a provider's consumed quota.
type QuotaUsage struct {
	Minute      int64   `json:"minute"`
	Hour        int64   `json:"hour"`
	Day         int64   `json:"day"`
	Utilization float64 `json:"utilization"`
	Exhausted   bool    `json:"exhausted"`
}

// Provider is one concrete external API implementing a single capability.
type Provider struct {
	ID             string        `json:"id"`
	Capability     Capability    `json:"capability"`
	Priority       int           `json:"priority"`
	Limits         QuotaLimits   `json:"limits"`
	Usage          QuotaUsage    `json:"usage"`
	HealthScore    float64       `json:"health_score"`
	State          ProviderState `json:"state"`
	ThrottledUntil *time.Time    `json:"throttled_until,omitempty"`
	ThrottleReason string        `json:"throttle_reason,omitempty"`
	ManualDisabled bool          `json:"manual_disabled"`
	CostUnits      int64         `json:"cost_units"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
}

// ProviderOverride is the persisted, operator- or scorer-driven part of a
// provider's state. Catalog fields are not persisted.
type ProviderOverride struct {
	ProviderID     string     `json:"provider_id"`
	ManualDisabled bool       `json:"manual_disabled"`
	HealthScore    float64    `json:"health_score"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
	ThrottleReason string     `json:"throttle_reason,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
