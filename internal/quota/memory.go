package quota

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	start time.Time
	count int64
}

// MemoryStore keeps counters in process. A counter whose bucket start no
// longer matches has rolled over and reads as zero.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]map[Window]*slot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]map[Window]*slot)}
}

func (m *MemoryStore) slot(providerID string, b Bucket) *slot {
	byWindow, ok := m.slots[providerID]
	if !ok {
		byWindow = make(map[Window]*slot, len(Windows))
		m.slots[providerID] = byWindow
	}
	s, ok := byWindow[b.Window]
	if !ok || !s.start.Equal(b.Start) {
		s = &slot{start: b.Start}
		byWindow[b.Window] = s
	}
	return s
}

func (m *MemoryStore) Reserve(_ context.Context, providerID string, buckets []Bucket, cost int64) (bool, []int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]*slot, len(buckets))
	counts := make([]int64, len(buckets))
	ok := true
	for i, b := range buckets {
		slots[i] = m.slot(providerID, b)
		counts[i] = slots[i].count
		if b.Limit > 0 && slots[i].count+cost > b.Limit {
			ok = false
		}
	}
	if !ok {
		return false, counts, nil
	}
	for i, s := range slots {
		s.count += cost
		counts[i] = s.count
	}
	return true, counts, nil
}

func (m *MemoryStore) Release(_ context.Context, providerID string, buckets []Bucket, cost int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byWindow := m.slots[providerID]
	for _, b := range buckets {
		s, ok := byWindow[b.Window]
		if !ok || !s.start.Equal(b.Start) {
			continue
		}
		s.count -= cost
		if s.count < 0 {
			s.count = 0
		}
	}
	return nil
}

func (m *MemoryStore) Counts(_ context.Context, providerID string, buckets []Bucket) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]int64, len(buckets))
	byWindow := m.slots[providerID]
	for i, b := range buckets {
		if s, ok := byWindow[b.Window]; ok && s.start.Equal(b.Start) {
			counts[i] = s.count
		}
	}
	return counts, nil
}
