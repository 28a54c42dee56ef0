// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sync"

	"github.com/jmcleod/gatehand/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Sessions are lost on restart; suitable for tests and single-process setups
// that accept re-authentication after a restart.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record)}
}

func (r *Repository) Get(_ context.Context, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) Put(_ context.Context, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[record.ID] = record.Clone()
	return nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// Len reports the number of stored records.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Repository) Close() error { return nil }
