// Package session provides the server-side session store. The API layer
// receives a Store at construction time and never reaches for a global,
// so tests and alternate deployments can swap backends freely.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Record is the server-side session state keyed by session ID.
type Record struct {
	ID        string    `msgpack:"id" json:"id"`
	Username  string    `msgpack:"username" json:"username"`
	Role      string    `msgpack:"role" json:"role"`
	IssuedAt  time.Time `msgpack:"issued_at" json:"issued_at"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at"`
}

// Expired reports whether the record has expired at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store is a key-value session store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores the record under its ID with the given TTL.
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Delete removes a single session. Deleting a missing session is not
	// an error.
	Delete(ctx context.Context, id string) error
	// RevokeUser removes all sessions belonging to a username.
	RevokeUser(ctx context.Context, username string) error
	// Close releases backend resources.
	Close() error
}
