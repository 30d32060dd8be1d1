// Package db provides the station's local SQLite database.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the queue database file inside the station data directory.
const FileName = "checkin-queue.db"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded station schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// DB wraps the sql.DB holding the station queue.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the queue database in dataDir.
// The database is opened with:
// - a single connection, so every queue operation is serialized
// - WAL mode and a busy timeout
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: path}, nil
}

// OpenMigrated opens the queue database and applies pending migrations.
func OpenMigrated(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	migrator := NewMigrator(database.DB, Migrations())
	if err := migrator.Initialize(ctx); err != nil {
		database.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
