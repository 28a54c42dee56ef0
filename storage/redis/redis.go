// Package redis provides a session repository on Redis. Each session is a
// hash whose key expires at the session's own expiry, so Redis reclaims
// lapsed sessions even if they are never read again.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatehand/storage"
)

const defaultKeyPrefix = "gatehand:session:"

const (
	fieldExpiresAt = "expires_at"
	fieldNotAfter  = "not_after"
	fieldPayload   = "payload"
)

// Store implements storage.Repository backed by Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository using rdb. An empty prefix selects the
// default key prefix.
func NewRepository(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// NewRepositoryFromURL parses a redis:// URL, verifies connectivity, and
// returns a new Repository.
func NewRepositoryFromURL(ctx context.Context, rawURL string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRepository(rdb, ""), nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	rec := &storage.Record{ID: id, Payload: []byte(fields[fieldPayload])}
	if rec.ExpiresAt, err = strconv.ParseInt(fields[fieldExpiresAt], 10, 64); err != nil {
		return nil, fmt.Errorf("session %s: corrupt %s: %w", id, fieldExpiresAt, err)
	}
	if v := fields[fieldNotAfter]; v != "" {
		if rec.NotAfter, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("session %s: corrupt %s: %w", id, fieldNotAfter, err)
		}
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, record *storage.Record) error {
	key := s.key(record.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldExpiresAt, record.ExpiresAt,
			fieldNotAfter, record.NotAfter,
			fieldPayload, record.Payload,
		)
		pipe.ExpireAt(ctx, key, time.Unix(record.ExpiresAt, 0))
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
