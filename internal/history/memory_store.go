package history

import (
	"context"
	"sync"

	"github.com/proctorgrid/engine/internal/signal"
)

// MemoryStore is an in-memory history store for demo/development mode.
type MemoryStore struct {
	retention int

	mu        sync.RWMutex
	logs      map[string][]*Entry // sessionID → entries, append order
	completed map[string]bool
}

// NewMemoryStore creates an in-memory store with the given retention cap
// for active sessions.
func NewMemoryStore(retention int) *MemoryStore {
	if retention < 1 {
		retention = 500
	}
	return &MemoryStore{
		retention: retention,
		logs:      make(map[string][]*Entry),
		completed: make(map[string]bool),
	}
}

func (m *MemoryStore) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	log := append(m.logs[entry.SessionID], &cp)

	if !m.completed[entry.SessionID] && len(log) > m.retention {
		log = log[len(log)-m.retention:]
	}
	m.logs[entry.SessionID] = log
	return nil
}

func (m *MemoryStore) List(_ context.Context, sessionID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.logs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}

	out := make([]*Entry, len(log))
	for i, e := range log {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs[sessionID]), nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logs[sessionID]; !ok {
		return ErrSessionNotFound
	}
	m.completed[sessionID] = true
	return nil
}

func (m *MemoryStore) CountViolationsByType(_ context.Context, sessionID string) (map[signal.Type]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[signal.Type]int)
	for _, e := range m.logs[sessionID] {
		if e.Type == EntryViolation {
			counts[e.SignalType]++
		}
	}
	return counts, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
