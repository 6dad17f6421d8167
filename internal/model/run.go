package model

import "time"

// RunStatus is the lifecycle status of a StageRun.
type RunStatus string

const (
	RunStatusPending        RunStatus = "PENDING"
	RunStatusRunning        RunStatus = "RUNNING"
	RunStatusSucceeded      RunStatus = "SUCCEEDED"
	RunStatusFailed         RunStatus = "FAILED"
	RunStatusSkippedOverlap RunStatus = "SKIPPED_OVERLAP"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkippedOverlap:
		return true
	default:
		return false
	}
}

// Trigger records what caused a StageRun.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// StageRun is one execution instance of a pipeline stage.
type StageRun struct {
	ID             string     `json:"id"`
	Stage          string     `json:"stage"`
	Trigger        Trigger    `json:"trigger"`
	Status         RunStatus  `json:"status"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ItemsTotal     int        `json:"items_total"`
	ItemsSucceeded int        `json:"items_succeeded"`
	ItemsFailed    int        `json:"items_failed"`
	Error          string     `json:"error,omitempty"`
}

// StageOutcome is what the stage runner reports for a finished run.
type StageOutcome struct {
	Status         RunStatus `json:"status"`
	ItemsTotal     int       `json:"items_total"`
	ItemsSucceeded int       `json:"items_succeeded"`
	ItemsFailed    int       `json:"items_failed"`
	// ItemsRequeued counts items handed back to the work source for a later
	// run: quota-exhausted items and items cut off by cancellation.
	ItemsRequeued int    `json:"items_requeued"`
	Error         string `json:"error,omitempty"`
}
