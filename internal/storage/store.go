// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/jkaninda/vigil/internal/audit"
	"github.com/jkaninda/vigil/internal/conversation"
)

// Store is the unified persistence interface for Vigil.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Audit returns the persistent audit entry store.
	Audit() audit.Store
	// Conversations returns the persistent conversation store.
	Conversations() conversation.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
