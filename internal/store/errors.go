package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on unique-constraint violations.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoActiveKey is returned when no active system key exists for a
	// purpose.
	ErrNoActiveKey = errors.New("no active system key")
	// ErrMigration wraps schema migration failures so callers can exit with
	// a distinct code.
	ErrMigration = errors.New("migration failed")
)
