package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps entries in process memory. It is the default sink when
// no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// Write records e. A second write for the same job id is ignored.
func (m *MemoryStore) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[e.JobID]; dup {
		return nil
	}
	m.seen[e.JobID] = struct{}{}
	e.Args = slices.Clone(e.Args)
	m.entries = append(m.entries, e)
	return nil
}

// History implements HistoryReader.
func (m *MemoryStore) History(_ context.Context, sessionID string, n int) ([]JobSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []JobSummary
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		e := m.entries[i]
		if e.SessionID != sessionID {
			continue
		}
		out = append(out, JobSummary{Tool: e.Tool, Status: e.Status, Risk: e.Risk, CreatedAt: e.CreatedAt})
	}
	return out, nil
}

// Entries returns a copy of everything written so far.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
