package sqlite

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/goodtune/kquota/internal/storage"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db           *sql.DB
	quotaStore   *quotaStore
	requestStore *requestStore
}

// Open opens the database at dbPath and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite limitation
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := CheckSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		quotaStore:   &quotaStore{db: db},
		requestStore: &requestStore{db: db},
	}, nil
}

// CheckSchema reports whether the schema is at the expected version.
func (s *Store) CheckSchema() error {
	return CheckSchema(s.db)
}

// CheckFile inspects the schema of an existing database without migrating it.
func CheckFile(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return CheckSchema(db)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Quotas returns the QuotaStore implementation
func (s *Store) Quotas() storage.QuotaStore {
	return s.quotaStore
}

// Requests returns the RequestStore implementation
func (s *Store) Requests() storage.RequestStore {
	return s.requestStore
}
