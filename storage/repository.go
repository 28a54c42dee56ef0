// Package storage provides the persistence abstraction for forward-auth sessions.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("record not found")

// Record is a single persisted session row. The ID is the one-way hash of the
// session token; the raw token never reaches a Repository.
type Record struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
	// NotAfter is the absolute expiry of the shortest-lived upstream
	// credential, in unix seconds. Zero means no upstream ceiling.
	NotAfter int64  `json:"not_after,omitempty"`
	Payload  []byte `json:"payload"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		ID:        r.ID,
		ExpiresAt: r.ExpiresAt,
		NotAfter:  r.NotAfter,
		Payload:   append([]byte(nil), r.Payload...),
	}
}

// Repository defines the interface for session record storage. Every call is
// a single atomic operation against the backing store; there is no caching
// layer in front of it.
type Repository interface {
	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Put inserts the record or replaces an existing record with the same id.
	Put(ctx context.Context, record *Record) error
	// Delete removes the record with the given id. It returns ErrNotFound
	// when nothing was deleted.
	Delete(ctx context.Context, id string) error
	// Close releases the resources held by the repository.
	Close() error
}
