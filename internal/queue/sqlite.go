package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/models"
)

// SQLiteQueue is a Store backed by the station's SQLite database. Records
// survive process restarts.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates a queue over db. The pending_checkins table must
// already be migrated.
func NewSQLiteQueue(db *sql.DB, opts ...Option) *SQLiteQueue {
	o := buildOptions(opts)
	return &SQLiteQueue{db: db, now: o.now}
}

const upsertPending = `
INSERT INTO pending_checkins (
	id, record_id, invitee_id, ceremony_id, ticket_code, scanned_at,
	source, operator, retry_count, last_tried_at, last_error, queued_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', ?)
ON CONFLICT(id) DO UPDATE SET
	record_id = excluded.record_id,
	invitee_id = excluded.invitee_id,
	ceremony_id = excluded.ceremony_id,
	ticket_code = excluded.ticket_code,
	scanned_at = excluded.scanned_at,
	source = excluded.source,
	operator = excluded.operator,
	retry_count = 0,
	last_tried_at = NULL,
	last_error = '',
	queued_at = excluded.queued_at`

// QueueCheckIn implements Store.
func (q *SQLiteQueue) QueueCheckIn(ctx context.Context, rec models.CheckInRecord) (*models.PendingSyncRecord, error) {
	p := models.NewPending(rec, q.now())

	_, err := q.db.ExecContext(ctx, upsertPending,
		p.ID, p.RecordID, p.InviteeID, p.CeremonyID, p.TicketCode,
		models.FormatTimestamp(p.ScannedAt), string(p.Source), p.Operator,
		p.QueuedAt.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrQueueOperation, "queue check-in "+p.ID, err)
	}
	return p, nil
}

// GetPendingCheckIns implements Store.
func (q *SQLiteQueue) GetPendingCheckIns(ctx context.Context) ([]*models.PendingSyncRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, record_id, invitee_id, ceremony_id, ticket_code, scanned_at,
		       source, operator, retry_count, last_tried_at, last_error, queued_at
		FROM pending_checkins
		ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrQueueOperation, "list pending check-ins", err)
	}
	defer rows.Close()

	var pending []*models.PendingSyncRecord
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrQueueOperation, "read pending check-in", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrQueueOperation, "list pending check-ins", err)
	}
	return pending, nil
}

func scanPending(rows *sql.Rows) (*models.PendingSyncRecord, error) {
	var (
		p         models.PendingSyncRecord
		scannedAt string
		source    string
		lastTried sql.NullInt64
		queuedAt  int64
	)
	if err := rows.Scan(&p.ID, &p.RecordID, &p.InviteeID, &p.CeremonyID, &p.TicketCode, &scannedAt,
		&source, &p.Operator, &p.RetryCount, &lastTried, &p.LastError, &queuedAt); err != nil {
		return nil, err
	}

	ts, err := models.ParseTimestamp(scannedAt)
	if err != nil {
		return nil, err
	}
	p.ScannedAt = ts
	p.Source = models.Source(source)
	p.QueuedAt = time.UnixMilli(queuedAt).UTC()
	if lastTried.Valid {
		t := time.UnixMilli(lastTried.Int64).UTC()
		p.LastTriedAt = &t
	}
	return &p, nil
}

// DeletePendingCheckIn implements Store.
func (q *SQLiteQueue) DeletePendingCheckIn(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM pending_checkins WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrQueueOperation, "delete pending check-in "+id, err)
	}
	return nil
}

// MarkRetry implements Store.
func (q *SQLiteQueue) MarkRetry(ctx context.Context, id string, cause error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_checkins
		SET retry_count = retry_count + 1, last_tried_at = ?, last_error = ?
		WHERE id = ?`,
		q.now().UTC().UnixMilli(), causeText(cause), id)
	if err != nil {
		return errors.Wrap(errors.ErrQueueOperation, "mark retry "+id, err)
	}
	return nil
}

// Count implements Store.
func (q *SQLiteQueue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_checkins").Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrQueueOperation, "count pending check-ins", err)
	}
	return n, nil
}
