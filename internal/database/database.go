// Package database manages the SQLite database that keeps provisioning
// history. It opens the database, enables WAL mode, and runs all schema
// migrations.
package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultRetention is how many runs Cleanup keeps.
const DefaultRetention = 200

// Open opens (or creates) the SQLite database at path and runs all migrations.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY when the status
	// server reads while a run is recorded.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate executes the schema DDL. All statements are idempotent.
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Cleanup prunes provisioning history beyond DefaultRetention runs.
// Certificates recorded by pruned runs go with them.
func Cleanup(db *sql.DB) error {
	return cleanupKeep(db, DefaultRetention)
}

func cleanupKeep(db *sql.DB, keep int) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	if keep < 1 {
		return errors.New("retention must be positive")
	}
	_, err := db.Exec(`DELETE FROM provision_runs WHERE id NOT IN (
        SELECT id FROM provision_runs ORDER BY id DESC LIMIT ?
    )`, keep)
	return err
}
