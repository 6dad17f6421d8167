package model

import "time"

// SubjectKind distinguishes provider and stage health snapshots.
type SubjectKind string

const (
	SubjectProvider SubjectKind = "provider"
	SubjectStage    SubjectKind = "stage"
)

// HealthSnapshot is a periodic aggregate for one provider or stage. Newer
// snapshots supersede older ones; none are deleted.
type HealthSnapshot struct {
	ID               string        `json:"id"`
	Kind             SubjectKind   `json:"kind"`
	SubjectID        string        `json:"subject_id"`
	WindowStart      time.Time     `json:"window_start"`
	WindowEnd        time.Time     `json:"window_end"`
	Samples          int           `json:"samples"`
	SuccessRate      float64       `json:"success_rate"`
	MeanLatency      time.Duration `json:"mean_latency_ns"`
	QuotaUtilization float64       `json:"quota_utilization"`
	Score            float64       `json:"score"`
	TakenAt          time.Time     `json:"taken_at"`
}
