// Package store is the persistence layer for payment links and their
// payment lifecycle records. All state transitions that must happen
// exactly once are expressed as conditional UPDATEs so that concurrent
// workers race safely on the database instead of in memory.
package store

import (
	"database/sql"

	"paylink/pkg/logging"
)

type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for health checks and lock helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}
