// Package cache holds derived clause projections keyed by clause id. Entries
// carry the projection version and a put never replaces a newer version.
package cache

import (
	"context"
	"sync"

	"redline/internal/decision"
)

type ProjectionCache interface {
	Get(ctx context.Context, clauseID string) (decision.Projection, bool, error)
	// Put stores p unless the cache already holds the same or a newer version.
	Put(ctx context.Context, p decision.Projection) error
	Invalidate(ctx context.Context, clauseID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Memory is an in-process ProjectionCache. Entries are copied in and out.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]decision.Projection
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]decision.Projection)}
}

func (m *Memory) Get(_ context.Context, clauseID string) (decision.Projection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[clauseID]
	if !ok {
		return decision.Projection{}, false, nil
	}
	return p.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, p decision.Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.entries[p.ClauseID]; ok && current.Version >= p.Version {
		return nil
	}
	m.entries[p.ClauseID] = p.Clone()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, clauseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, clauseID)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
