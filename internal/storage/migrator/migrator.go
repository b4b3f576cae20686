// Package migrator applies the embedded SQL schema with golang-migrate.
package migrator

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"authsvc/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Up applies every pending migration. It reports false when the schema was
// already current.
//
// The migrate instance is never closed since its driver would close db too.
func Up(db *sql.DB, dialect Dialect) (bool, error) {
	const op = "storage.migrator.Up"

	m, err := newMigrate(db, dialect)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// Down rolls back every migration.
func Down(db *sql.DB, dialect Dialect) error {
	const op = "storage.migrator.Down"

	m, err := newMigrate(db, dialect)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	var (
		fsys   fs.FS
		dir    string
		driver database.Driver
		err    error
		dbName string
	)

	switch dialect {
	case SQLite:
		fsys, dir, dbName = migrations.SQLite, "sqlite", "sqlite3"
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case Postgres:
		fsys, dir, dbName = migrations.Postgres, "postgres", "pgx5"
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	return migrate.NewWithInstance("iofs", src, dbName, driver)
}
