// Package sqlite is the default embedded persistence backend. A single
// write connection plus WAL keeps writers serialized without blocking
// readers.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nanogridbot/ngb/internal/faults"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store on an embedded sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path, applies
// pending migrations, and returns the store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, faults.Wrap(faults.Database, err, "create store dir")
	}

	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "open sqlite")
	}
	// One writer connection; WAL readers do not block behind it.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.Database, err, "ping sqlite")
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return faults.Wrap(faults.Database, err, "apply migrations")
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "load migrations")
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "init migrate driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "init migrate")
	}
	return m, nil
}

// NewMigrator returns a migrate handle for the database at path, used by
// the migrate command for explicit up/down/version control.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newMigrate(db)
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return faults.Wrap(faults.Database, s.db.PingContext(ctx), "ping")
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ms converts a time to the stored integer milliseconds form.
func ms(t time.Time) int64 { return t.UnixMilli() }

// fromMS converts stored milliseconds back to UTC time.
func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// nullMS converts an optional time for storage.
func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

// timePtr converts a nullable stored value back to an optional time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}
