// Package store provides the persistence layer over PostgreSQL: runs and
// their lifecycle, the tool call ledger, build records, and the job queue
// tables. The run event log has its own publisher in pkg/events because
// appends are coupled to NOTIFY delivery.
package store

import "database/sql"

// Store wraps the pooled database connection.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components that need their own
// statements (event publisher, queue claims).
func (s *Store) DB() *sql.DB {
	return s.db
}
