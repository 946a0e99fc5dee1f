// ABOUTME: In-memory mock implementation of the Store interface for tests.
// ABOUTME: Mirrors SQLite semantics including ErrNotFound and identifier uniqueness.

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu    sync.RWMutex
	nodes map[string]*NodeRecord

	// SaveNodeErr, when set, is returned by SaveNode. Lets tests exercise
	// persistence failures.
	SaveNodeErr error
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nodes: make(map[string]*NodeRecord),
	}
}

func (m *MockStore) SaveNode(ctx context.Context, node *NodeRecord) error {
	if m.SaveNodeErr != nil {
		return m.SaveNodeErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.nodes {
		if id != node.ID && existing.NodeIdentifier == node.NodeIdentifier {
			return ErrDuplicateNode
		}
	}

	cp := *node
	cp.Capabilities = append([]string(nil), node.Capabilities...)
	m.nodes[node.ID] = &cp
	return nil
}

func (m *MockStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MockStore) GetNodeByIdentifier(ctx context.Context, nodeIdentifier string) (*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, node := range m.nodes {
		if node.NodeIdentifier == nodeIdentifier {
			cp := *node
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*NodeRecord, 0, len(m.nodes))
	for _, node := range m.nodes {
		cp := *node
		nodes = append(nodes, &cp)
	}
	return nodes, nil
}

func (m *MockStore) UpdateNodeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	node.Status = status
	node.LastSeenAt = lastSeenAt
	node.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *MockStore) Close() error {
	return nil
}
