package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/gatehand/config"
	"github.com/jmcleod/gatehand/session"
	"github.com/jmcleod/gatehand/storage"
	bboltstorage "github.com/jmcleod/gatehand/storage/bbolt"
	"github.com/jmcleod/gatehand/storage/memory"
	"github.com/jmcleod/gatehand/storage/postgres"
	redisstorage "github.com/jmcleod/gatehand/storage/redis"
	sqlitestorage "github.com/jmcleod/gatehand/storage/sqlite"
)

// openRepository opens the session repository selected by cfg.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch driver := cfg.Driver(); driver {
	case config.DriverMemory:
		return memory.NewRepository(), nil
	case config.DriverBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return bboltstorage.NewRepositoryFromFile(cfg.StoragePath, nil)
	case config.DriverSQLite:
		return sqlitestorage.Open(cfg.StoragePath)
	case config.DriverPostgres:
		return postgres.NewRepositoryFromDSN(ctx, cfg.StoragePath)
	case config.DriverRedis:
		return redisstorage.NewRepositoryFromURL(ctx, cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// openSessionStore opens the repository and wraps it in a session.Store.
// The caller closes the returned repository.
func openSessionStore(ctx context.Context, cfg *config.Config) (*session.Store, storage.Repository, error) {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	key, err := cfg.SealingKey()
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	var opts []session.Option
	if key != nil {
		opts = append(opts, session.WithSealingKey(key))
	}
	store, err := session.NewStore(repo, opts...)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return store, repo, nil
}
