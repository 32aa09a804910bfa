package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// MemoryStore keeps encoded records in process memory. It is used by tests
// and for throwaway runs.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][][]byte
	graphs    map[string]map[string][]byte
}

var _ schemas.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][][]byte),
		graphs:    make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) AppendSnapshot(ctx context.Context, s *schemas.ExplorationSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.Metadata.SessionID
	m.snapshots[id] = append(m.snapshots[id], data)
	return nil
}

func (m *MemoryStore) SaveGraph(ctx context.Context, sessionID string, g *schemas.InteractionGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graphs[sessionID] == nil {
		m.graphs[sessionID] = make(map[string][]byte)
	}
	m.graphs[sessionID][g.URLHash] = data
	return nil
}

func (m *MemoryStore) LoadLatest(ctx context.Context, sessionID string) (*schemas.ExplorationSession, error) {
	m.mu.Lock()
	all := m.snapshots[sessionID]
	m.mu.Unlock()
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return decodeSnapshot(all[len(all)-1])
}

func (m *MemoryStore) LoadGraphs(ctx context.Context, sessionID string) ([]*schemas.InteractionGraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schemas.InteractionGraph, 0, len(m.graphs[sessionID]))
	for _, data := range m.graphs[sessionID] {
		g, err := decodeGraph(data)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// SnapshotCount reports how many snapshots a session has.
func (m *MemoryStore) SnapshotCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots[sessionID])
}

func (m *MemoryStore) Close() error { return nil }
