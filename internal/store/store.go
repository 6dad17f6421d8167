package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// AttemptFilter selects ledger rows. Zero fields match everything. Since is
// inclusive, Until exclusive.
type AttemptFilter struct {
	ProviderID string           `json:"provider_id,omitempty"`
	Capability model.Capability `json:"capability,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Since      time.Time        `json:"since,omitempty"`
	Until      time.Time        `json:"until,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing stage runs.
type RunFilter struct {
	Stage  string          `json:"stage,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// SnapshotFilter specifies criteria for listing health snapshots.
type SnapshotFilter struct {
	Kind      model.SubjectKind `json:"kind,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// Store defines the persistence interface for the orchestration core.
// Attempts and snapshots are append-only; there is no delete API.
type Store interface {
	// Provider overrides
	SaveProviderOverride(ctx context.Context, o model.ProviderOverride) error
	ListProviderOverrides(ctx context.Context) ([]model.ProviderOverride, error)

	// Ledger
	AppendAttempt(ctx context.Context, a model.CallAttempt) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.CallAttempt, error)

	// Stage runs
	CreateStageRun(ctx context.Context, run model.StageRun) error
	UpdateStageRun(ctx context.Context, run model.StageRun) error
	GetStageRun(ctx context.Context, id string) (*model.StageRun, error)
	ListStageRuns(ctx context.Context, filter RunFilter) ([]model.StageRun, error)
	// LastStageRun returns the most recently scheduled run of a stage with the
	// given status ("" for any), or nil when there is none.
	LastStageRun(ctx context.Context, stage string, status model.RunStatus) (*model.StageRun, error)

	// Health snapshots
	SaveSnapshots(ctx context.Context, snaps []model.HealthSnapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.HealthSnapshot, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
