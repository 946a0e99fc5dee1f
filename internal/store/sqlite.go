// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides node record persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			node_identifier TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			credential TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unknown',
			last_seen_at DATETIME,
			capabilities TEXT NOT NULL DEFAULT '[]',
			registered_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_identifier
			ON nodes(node_identifier);

		CREATE INDEX IF NOT EXISTS idx_nodes_status
			ON nodes(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveNode inserts or updates a node record keyed by ID.
func (s *SQLiteStore) SaveNode(ctx context.Context, node *NodeRecord) error {
	caps, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	var lastSeen any
	if !node.LastSeenAt.IsZero() {
		lastSeen = node.LastSeenAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, node_identifier, endpoint, credential, status,
			last_seen_at, capabilities, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_identifier = excluded.node_identifier,
			endpoint = excluded.endpoint,
			credential = excluded.credential,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at
	`, node.ID, node.NodeIdentifier, node.Endpoint, node.Credential, node.Status,
		lastSeen, string(caps), node.RegisteredAt.UTC(), node.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

// GetNode returns the record with the given ID, or ErrNotFound.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_identifier, endpoint, credential, status,
			last_seen_at, capabilities, registered_at, updated_at
		FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// GetNodeByIdentifier returns the record with the given node identifier,
// or ErrNotFound.
func (s *SQLiteStore) GetNodeByIdentifier(ctx context.Context, nodeIdentifier string) (*NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_identifier, endpoint, credential, status,
			last_seen_at, capabilities, registered_at, updated_at
		FROM nodes WHERE node_identifier = ?
	`, nodeIdentifier)
	return scanNode(row)
}

// ListNodes returns all records ordered by registration time.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_identifier, endpoint, credential, status,
			last_seen_at, capabilities, registered_at, updated_at
		FROM nodes ORDER BY registered_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNodeStatus persists a status observation for a node.
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error {
	var lastSeen any
	if !lastSeenAt.IsZero() {
		lastSeen = lastSeenAt.UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?
	`, status, lastSeen, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a record; ErrNotFound if the node is unknown.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanNode.
type scanner interface {
	Scan(dest ...any) error
}

// scanNode reads one node row into a NodeRecord.
func scanNode(row scanner) (*NodeRecord, error) {
	var node NodeRecord
	var lastSeen sql.NullTime
	var caps string

	err := row.Scan(&node.ID, &node.NodeIdentifier, &node.Endpoint,
		&node.Credential, &node.Status, &lastSeen, &caps,
		&node.RegisteredAt, &node.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}

	if lastSeen.Valid {
		node.LastSeenAt = lastSeen.Time
	}
	if err := json.Unmarshal([]byte(caps), &node.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &node, nil
}
