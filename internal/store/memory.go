package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/model"
)

// MemoryStore is an in-process Store for tests and single-shot CLI use.
// Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	overrides map[string]model.ProviderOverride
	attempts  []model.CallAttempt
	runs      map[string]model.StageRun
	snapshots []model.HealthSnapshot
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		overrides: make(map[string]model.ProviderOverride),
		runs:      make(map[string]model.StageRun),
	}
}

func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) SaveProviderOverride(_ context.Context, o model.ProviderOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[o.ProviderID] = o
	return nil
}

func (m *MemoryStore) ListProviderOverrides(context.Context) ([]model.ProviderOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ProviderOverride, 0, len(m.overrides))
	for _, o := range m.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (m *MemoryStore) AppendAttempt(_ context.Context, a model.CallAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.ID == a.ID {
			return eris.Errorf("memory: duplicate attempt %s", a.ID)
		}
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, f AttemptFilter) ([]model.CallAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.CallAttempt
	for _, a := range m.attempts {
		if f.ProviderID != "" && a.ProviderID != f.ProviderID {
			continue
		}
		if f.Capability != "" && a.Capability != f.Capability {
			continue
		}
		if f.Stage != "" && a.Stage != f.Stage {
			continue
		}
		if !f.Since.IsZero() && a.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !a.StartedAt.Before(f.Until) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateStageRun(_ context.Context, run model.StageRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return eris.Errorf("memory: duplicate stage run %s", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) UpdateStageRun(_ context.Context, run model.StageRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "stage run %s", run.ID)
	}
	// Identity fields are fixed at creation.
	run.Stage, run.Trigger, run.ScheduledAt = existing.Stage, existing.Trigger, existing.ScheduledAt
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetStageRun(_ context.Context, id string) (*model.StageRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "stage run %s", id)
	}
	return &run, nil
}

func (m *MemoryStore) ListStageRuns(_ context.Context, f RunFilter) ([]model.StageRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.StageRun
	for _, r := range m.runs {
		if f.Stage != "" && r.Stage != f.Stage {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && r.ScheduledAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.After(out[j].ScheduledAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LastStageRun(ctx context.Context, stage string, status model.RunStatus) (*model.StageRun, error) {
	runs, err := m.ListStageRuns(ctx, RunFilter{Stage: stage, Status: status, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (m *MemoryStore) SaveSnapshots(_ context.Context, snaps []model.HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snaps...)
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, f SnapshotFilter) ([]model.HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.HealthSnapshot
	for _, h := range m.snapshots {
		if f.Kind != "" && h.Kind != f.Kind {
			continue
		}
		if f.SubjectID != "" && h.SubjectID != f.SubjectID {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].TakenAt.After(out[j].TakenAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
