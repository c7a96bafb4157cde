package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps every entry in memory. It is the store used in tests and when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.entries[entry.DocumentID]
	if n := len(existing); n > 0 && existing[n-1].Version >= entry.Version {
		if m.find(existing, entry.Version) >= 0 {
			return fmt.Errorf("%w: %s@%d", ErrDuplicateVersion, entry.DocumentID, entry.Version)
		}
		return fmt.Errorf("out of order append %s@%d after %d", entry.DocumentID, entry.Version, existing[n-1].Version)
	}
	m.entries[entry.DocumentID] = append(existing, entry)
	return nil
}

func (m *MemoryStore) find(entries []Entry, version int64) int {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Version >= version })
	if i < len(entries) && entries[i].Version == version {
		return i
	}
	return -1
}

func (m *MemoryStore) ReadRange(_ context.Context, documentID string, from, to int64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[documentID]
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].Version >= from })
	hi := sort.Search(len(entries), func(i int) bool { return entries[i].Version > to })
	if lo >= hi {
		return nil, nil
	}
	out := make([]Entry, hi-lo)
	copy(out, entries[lo:hi])
	return out, nil
}

func (m *MemoryStore) ReadSnapshot(_ context.Context, documentID string, atOrBefore int64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[documentID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Version <= atOrBefore && entries[i].Snapshot != nil {
			return entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s@%d", ErrNoSnapshot, documentID, atOrBefore)
}

func (m *MemoryStore) Documents(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
