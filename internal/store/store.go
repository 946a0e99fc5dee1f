// ABOUTME: Store interface and data types for hearth-panel persistence.
// ABOUTME: Defines the durable NodeRecord and the Store interface the registry consumes.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateNode is returned when a node identifier is already taken by
// another record.
var ErrDuplicateNode = errors.New("node identifier already registered")

// Node status values. Stored as plain strings; the registry owns the
// semantics (monotonic transitions, DEGRADED detection).
const (
	StatusUnknown  = "unknown"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDegraded = "degraded"
)

// NodeRecord is the durable record of a known agent. Everything the panel
// must remember across restarts lives here; connection and command state is
// rebuilt from scratch on boot.
type NodeRecord struct {
	ID             string
	NodeIdentifier string
	Endpoint       string
	Credential     string
	Status         string
	LastSeenAt     time.Time
	Capabilities   []string
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

// Store defines the interface for node persistence.
type Store interface {
	// SaveNode inserts or updates a node record keyed by ID.
	SaveNode(ctx context.Context, node *NodeRecord) error

	// GetNode returns the record with the given ID, or ErrNotFound.
	GetNode(ctx context.Context, id string) (*NodeRecord, error)

	// GetNodeByIdentifier returns the record with the given node
	// identifier, or ErrNotFound.
	GetNodeByIdentifier(ctx context.Context, nodeIdentifier string) (*NodeRecord, error)

	// ListNodes returns all records ordered by registration time.
	ListNodes(ctx context.Context) ([]*NodeRecord, error)

	// UpdateNodeStatus persists a status observation for a node.
	UpdateNodeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error

	// DeleteNode removes a record; ErrNotFound if the node is unknown.
	DeleteNode(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}
