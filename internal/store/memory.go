// Package store persists session history so a returning browser sees the
// generations it already made.
package store

import (
	"context"
	"sync"

	"github.com/hurricanerix/blink/internal/session"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]session.Generation
}

var _ session.HistoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]session.Generation)}
}

// Load returns a copy of the generations recorded for sessionID.
func (m *MemoryStore) Load(ctx context.Context, sessionID string) ([]session.Generation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gens := m.history[sessionID]
	if len(gens) == 0 {
		return nil, nil
	}
	out := make([]session.Generation, len(gens))
	copy(out, gens)
	return out, nil
}

// Append records gen at the end of sessionID's history.
func (m *MemoryStore) Append(ctx context.Context, sessionID string, gen session.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sessionID] = append(m.history[sessionID], gen)
	return nil
}

// Delete forgets sessionID's history.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
