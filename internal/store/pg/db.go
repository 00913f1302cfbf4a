// Package pg is the Postgres persistence backend for multi-instance or
// managed deployments. Schema and semantics mirror the sqlite backend.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	mpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nanogridbot/ngb/internal/faults"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store on Postgres via the pgx stdlib driver.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn, applies pending migrations, and
// returns the store.
func Open(dsn string, poolSize int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "open postgres")
	}
	if poolSize < 1 {
		poolSize = 5
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.Database, err, "ping postgres")
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
	driver, err := mpostgres.WithInstance(db, &mpostgres.Config{})
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "init migrate driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "init migrate")
	}
	return m, nil
}

// NewMigrator returns a migrate handle for the database at dsn, used by
// the migrate command for explicit up/down/version control.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newMigrate(db)
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return faults.Wrap(faults.Database, s.db.PingContext(ctx), "ping")
}

// Close releases the connection pool.
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

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
