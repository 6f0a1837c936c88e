package store

import (
	"context"
	"sort"
	"sync"

	"github.com/chanflow/chanflow/graph"
)

// MemStore is an in-memory graph.Checkpointer. It is designed for tests,
// single-process runs, and short-lived workflows where durability across
// process restarts is not required; data is lost when the process ends.
//
// Thread-safe: every method holds mu for its duration.
type MemStore struct {
	mu          sync.RWMutex
	byID        map[string]graph.CheckpointData
	byThread    map[string][]string // threadID -> checkpoint ids, insertion order
	idempotency map[string]string   // idempotency key -> checkpoint id
}

// NewMemStore creates an empty in-memory checkpointer.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:        make(map[string]graph.CheckpointData),
		byThread:    make(map[string][]string),
		idempotency: make(map[string]string),
	}
}

func (m *MemStore) Save(_ context.Context, data graph.CheckpointData) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data.IdempotencyKey != "" {
		if existingID, dup := m.idempotency[data.IdempotencyKey]; dup {
			return existingID, nil
		}
	}

	if data.CheckpointID == "" {
		return "", graph.CheckpointError("", "checkpoint data must carry a CheckpointID", nil)
	}

	m.byID[data.CheckpointID] = data
	m.byThread[data.ThreadID] = append(m.byThread[data.ThreadID], data.CheckpointID)
	if data.IdempotencyKey != "" {
		m.idempotency[data.IdempotencyKey] = data.CheckpointID
	}
	return data.CheckpointID, nil
}

func (m *MemStore) Load(_ context.Context, checkpointID string) (graph.CheckpointData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cd, ok := m.byID[checkpointID]
	if !ok {
		return graph.CheckpointData{}, ErrNotFound
	}
	return cd, nil
}

func (m *MemStore) LoadLatest(_ context.Context, threadID string) (graph.CheckpointData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byThread[threadID]
	if len(ids) == 0 {
		return graph.CheckpointData{}, ErrNotFound
	}
	return m.byID[ids[len(ids)-1]], nil
}

func (m *MemStore) LoadByThread(_ context.Context, threadID string) ([]graph.CheckpointData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byThread[threadID]
	out := make([]graph.CheckpointData, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *MemStore) List(_ context.Context, threadID string, limit int) ([]graph.CheckpointMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byThread[threadID]
	metas := make([]graph.CheckpointMetadata, 0, len(ids))
	for _, id := range ids {
		metas = append(metas, m.byID[id].CheckpointMetadata)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (m *MemStore) Delete(_ context.Context, checkpointID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cd, ok := m.byID[checkpointID]
	if !ok {
		return false, nil
	}
	delete(m.byID, checkpointID)
	if cd.IdempotencyKey != "" {
		delete(m.idempotency, cd.IdempotencyKey)
	}
	ids := m.byThread[cd.ThreadID]
	for i, id := range ids {
		if id == checkpointID {
			m.byThread[cd.ThreadID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStore) DeleteByThread(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byThread[threadID]
	for _, id := range ids {
		if cd, ok := m.byID[id]; ok && cd.IdempotencyKey != "" {
			delete(m.idempotency, cd.IdempotencyKey)
		}
		delete(m.byID, id)
	}
	delete(m.byThread, threadID)
	return len(ids), nil
}

func (m *MemStore) Exists(_ context.Context, checkpointID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[checkpointID]
	return ok, nil
}

var _ graph.Checkpointer = (*MemStore)(nil)
