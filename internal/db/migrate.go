package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
)

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<n>__<description>.up.sql files from a filesystem and
// records them in schema_migrations. The highest applied version is the
// storage namespace version of the queue: a station never reads a queue
// written by a newer schema.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator creates a Migrator reading scripts from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

// script is an up migration found in the filesystem.
type script struct {
	version     int
	description string
	name        string
	body        []byte
	checksum    string
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 for a fresh database.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "read schema version", err)
	}
	return version, nil
}

// Applied returns the applied migrations ordered by version.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "list applied migrations", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "scan applied migration", err)
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "list applied migrations", err)
	}
	return applied, nil
}

// scripts reads every well-formed up script, ordered by version.
// Files that don't follow V<n>__<description>.up.sql are ignored.
func (m *Migrator) scripts() ([]script, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "read migrations", err)
	}

	var out []script
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, description, ok := strings.Cut(strings.TrimSuffix(name, ".up.sql"), "__")
		if !ok || description == "" {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(prefix, "V"))
		if err != nil || version <= 0 {
			continue
		}
		body, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "read "+name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, script{
			version:     version,
			description: description,
			name:        name,
			body:        body,
			checksum:    hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, errors.Newf(errors.ErrMigration, "duplicate migration version V%d", out[i].version)
		}
	}
	return out, nil
}

// Up applies pending migrations in version order and returns the versions
// it applied. An applied script whose content changed, or a database at a
// version this build doesn't know, is refused.
func (m *Migrator) Up(ctx context.Context) ([]int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	scripts, err := m.scripts()
	if err != nil {
		return nil, err
	}

	known := make(map[int]script, len(scripts))
	for _, s := range scripts {
		known[s.version] = s
	}
	done := make(map[int]bool, len(applied))
	for _, mig := range applied {
		s, ok := known[mig.Version]
		if !ok {
			return nil, errors.Newf(errors.ErrMigration,
				"database is at schema V%d which this build does not know", mig.Version)
		}
		if s.checksum != mig.Checksum {
			return nil, errors.Newf(errors.ErrMigration, "migration %s changed after it was applied", s.name)
		}
		done[mig.Version] = true
	}

	var ran []int
	for _, s := range scripts {
		if done[s.version] {
			continue
		}
		if err := m.apply(ctx, s); err != nil {
			return ran, errors.Wrap(errors.ErrMigration, fmt.Sprintf("apply migration V%d", s.version), err)
		}
		ran = append(ran, s.version)
	}
	return ran, nil
}

func (m *Migrator) apply(ctx context.Context, s script) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(s.body)); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		s.version, time.Now().Unix(), s.description, s.checksum)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Down rolls back the most recent migration using its .down.sql script.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	matches, err := fs.Glob(m.fsys, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil || len(matches) == 0 {
		return errors.Newf(errors.ErrMigration, "no rollback script for V%d", current)
	}
	body, err := fs.ReadFile(m.fsys, matches[0])
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "read "+matches[0], err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("roll back V%d", current), err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("roll back V%d", current), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, "commit rollback", err)
	}
	return nil
}
