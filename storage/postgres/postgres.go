// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Sessions live in a single table keyed by the hashed session id. Expiry is
// stored as epoch seconds; rows past expiry are removed by the session layer
// when they are read, so the table needs no background maintenance.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatehand/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	rec := storage.Record{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT expires_at, not_after, payload FROM sessions WHERE id = $1`, id).
		Scan(&rec.ExpiresAt, &rec.NotAfter, &rec.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, record *storage.Record) error {
	payload := record.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, expires_at, not_after, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id)
		 DO UPDATE SET expires_at = $2, not_after = $3, payload = $4`,
		record.ID, record.ExpiresAt, record.NotAfter, payload)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
