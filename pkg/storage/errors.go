package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a session or message does not exist
	// for the requesting user.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a message with the given ID already exists.
	ErrConflict = errors.New("message already exists")
)
