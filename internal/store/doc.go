// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: Describes the Store interface, NodeRecord durability, and SQLite backend.

// Package store provides durable persistence for hearth-panel node records.
//
// # What is persisted
//
// Only NodeRecord is durable: identity, endpoint, credential, last observed
// status, and capabilities survive panel restarts. Commands and connection
// state are deliberately ephemeral; on restart the panel rebuilds every
// agent connection from the stored records and any in-flight command is
// lost.
//
// # Backends
//
//	s, err := store.NewSQLiteStore("/var/lib/hearth/panel.db")
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL mode. The
// schema is created automatically on first open. ":memory:" is accepted for
// tests.
//
// MockStore is an in-memory implementation for unit tests that mirrors the
// SQLite semantics, including ErrNotFound and node-identifier uniqueness.
//
// # Status writes
//
// UpdateNodeStatus persists whatever the registry decides; the monotonicity
// rule on observation timestamps is enforced by the registry, not here. The
// store is a dumb record holder.
package store
