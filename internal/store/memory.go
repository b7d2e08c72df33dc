package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory keeps nodes in a map. Nothing survives a restart.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]TrackedNode
}

func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]TrackedNode)}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Get(context.Context) ([]TrackedNode, error) {
	m.mu.RLock()
	out := make([]TrackedNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (m *Memory) GetByURL(_ context.Context, url string) (TrackedNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[url]
	if !ok {
		return TrackedNode{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return n.Clone(), nil
}

func (m *Memory) Upsert(_ context.Context, n TrackedNode) error {
	if n.URL == "" {
		return fmt.Errorf("%w: empty url", ErrPersistence)
	}
	m.mu.Lock()
	m.nodes[n.URL] = n.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateHead(_ context.Context, url string, slot uint64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	n.Slot = slot
	n.Status = status
	m.nodes[url] = n
	return nil
}

func (m *Memory) Remove(_ context.Context, url string) error {
	m.mu.Lock()
	delete(m.nodes, url)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
