package server

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ceremonia/checkin/internal/config"
	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/models"
)

//go:embed schema.sql
var schema string

// pgUniqueViolation is the SQLSTATE of a unique_violation.
const pgUniqueViolation = "23505"

// Store persists confirmed check-ins. It speaks both the SQLite and the
// PostgreSQL dialect over database/sql; the UNIQUE(ceremony_id, invitee_id)
// constraint is the final arbiter of duplicates.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore opens the database named by driver and dsn and applies the schema.
func OpenStore(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open store", err)
	}

	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrDatabase, "configure sqlite", err)
		}
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := NewStore(db, driver)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. Call Init before first use unless the
// schema already exists.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Init applies the embedded schema. Every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrMigration, "apply store schema", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(errors.ErrDatabase, "ping store", err)
	}
	return nil
}

// FindByInvitee returns the client id of the invitee's check-in for the
// ceremony, if one exists.
func (s *Store) FindByInvitee(ctx context.Context, ceremonyID, inviteeID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT client_id FROM checkins WHERE ceremony_id = ? AND invitee_id = ?"),
		ceremonyID, inviteeID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "find check-in", err)
	}
	return id, true, nil
}

// Insert stores rec under rec.ID. A unique violation is returned as
// ErrConstraint.
func (s *Store) Insert(ctx context.Context, rec models.CheckInRecord, createdAt time.Time) error {
	var operator sql.NullString
	if rec.Operator != "" {
		operator = sql.NullString{String: rec.Operator, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO checkins (client_id, invitee_id, ceremony_id, ticket_code, scanned_at, source, operator, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.InviteeID, rec.CeremonyID, rec.TicketCode,
		models.FormatTimestamp(rec.ScannedAt), string(rec.Source), operator,
		models.FormatTimestamp(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrConstraint, "check-in already exists", err)
		}
		return errors.Wrap(errors.ErrDatabase, "insert check-in", err)
	}
	return nil
}

// List returns the ceremony's check-ins, newest scan first.
func (s *Store) List(ctx context.Context, ceremonyID string) ([]models.CheckInRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT client_id, invitee_id, ceremony_id, ticket_code, scanned_at, source, operator
			FROM checkins WHERE ceremony_id = ? ORDER BY scanned_at DESC`),
		ceremonyID,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list check-ins", err)
	}
	defer rows.Close()

	records := []models.CheckInRecord{}
	for rows.Next() {
		var (
			rec       models.CheckInRecord
			scannedAt string
			source    string
			operator  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.InviteeID, &rec.CeremonyID, &rec.TicketCode, &scannedAt, &source, &operator); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan check-in", err)
		}
		if rec.ScannedAt, err = models.ParseTimestamp(scannedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan check-in", err)
		}
		rec.Source = models.Source(source)
		if !rec.Source.Valid() {
			rec.Source = models.SourceScanner
		}
		rec.Operator = operator.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list check-ins", err)
	}
	return records, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != config.DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
		}
		return false
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
