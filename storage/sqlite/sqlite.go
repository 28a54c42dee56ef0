// Package sqlite provides a session repository on a SQLite table via gorm.
// A DSN of ":memory:" keeps the table in process memory.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jmcleod/gatehand/storage"
)

// sessionRow is the gorm model of the sessions table.
type sessionRow struct {
	ID        string `gorm:"primaryKey"`
	ExpiresAt int64  `gorm:"not null"`
	NotAfter  int64  `gorm:"not null;default:0"`
	Payload   []byte `gorm:"not null"`
}

func (sessionRow) TableName() string { return "sessions" }

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an open gorm database and migrates the sessions table.
func NewRepository(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrating sessions table: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens the SQLite database at dsn and returns a new Repository.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if isMemoryDSN(dsn) {
		// Every connection to ":memory:" is a distinct database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewRepository(db)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		ID:        row.ID,
		ExpiresAt: row.ExpiresAt,
		NotAfter:  row.NotAfter,
		Payload:   row.Payload,
	}, nil
}

func (s *Store) Put(ctx context.Context, record *storage.Record) error {
	row := &sessionRow{
		ID:        record.ID,
		ExpiresAt: record.ExpiresAt,
		NotAfter:  record.NotAfter,
		Payload:   record.Payload,
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
