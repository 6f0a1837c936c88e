// Package store provides concrete graph.Checkpointer implementations:
// an in-memory backend for tests and short-lived runs, and SQL-backed
// backends (SQLite, MySQL) for durable, multi-process persistence.
package store

import "errors"

// ErrNotFound is returned when a requested checkpoint or thread does not
// exist in the backing store.
var ErrNotFound = errors.New("not found")
