package database

import "errors"

// ErrNotFound is returned when a requested entity is not found in the database.
var ErrNotFound = errors.New("entity not found")
