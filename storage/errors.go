package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match
// with errors.Is to map storage failures to API responses.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)
