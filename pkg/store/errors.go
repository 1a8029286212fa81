package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by exact key finds nothing.
	ErrNotFound = errors.New("store: key not found")
)
