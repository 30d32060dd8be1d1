package models

import "time"

// PendingSyncRecord is a check-in queued locally because the remote write
// could not be confirmed.
type PendingSyncRecord struct {
	ID          string     `db:"id" json:"id"`               // derived queue key, see PendingKey
	RecordID    string     `db:"record_id" json:"recordId"` // idempotency key sent to the store
	InviteeID   string     `db:"invitee_id" json:"inviteeId"`
	CeremonyID  string     `db:"ceremony_id" json:"ceremonyId"`
	TicketCode  string     `db:"ticket_code" json:"ticketCode"`
	ScannedAt   time.Time  `db:"scanned_at" json:"scannedAt"`
	Source      Source     `db:"source" json:"source"`
	Operator    string     `db:"operator" json:"operator,omitempty"`
	RetryCount  int        `db:"retry_count" json:"retryCount"`
	LastTriedAt *time.Time `db:"last_tried_at" json:"lastTriedAt,omitempty"`
	LastError   string     `db:"last_error" json:"lastError,omitempty"`
	QueuedAt    time.Time  `db:"queued_at" json:"queuedAt"`
}

// TableName returns the table name for PendingSyncRecord.
func (PendingSyncRecord) TableName() string {
	return "pending_checkins"
}

// PendingKey derives the queue key for a scan. Repeated queueing of the
// same ticket at the same instant collapses onto one entry.
func PendingKey(ticketCode string, scannedAt time.Time) string {
	return ticketCode + "-" + FormatTimestamp(scannedAt)
}

// NewPending builds a fresh queue entry for rec.
func NewPending(rec CheckInRecord, queuedAt time.Time) *PendingSyncRecord {
	return &PendingSyncRecord{
		ID:         PendingKey(rec.TicketCode, rec.ScannedAt),
		RecordID:   rec.ID,
		InviteeID:  rec.InviteeID,
		CeremonyID: rec.CeremonyID,
		TicketCode: rec.TicketCode,
		ScannedAt:  ScanTime(rec.ScannedAt),
		Source:     rec.Source,
		Operator:   rec.Operator,
		QueuedAt:   ScanTime(queuedAt),
	}
}

// CheckIn returns the payload to submit to the store.
func (p *PendingSyncRecord) CheckIn() CheckInRecord {
	return CheckInRecord{
		ID:         p.RecordID,
		InviteeID:  p.InviteeID,
		CeremonyID: p.CeremonyID,
		TicketCode: p.TicketCode,
		ScannedAt:  p.ScannedAt,
		Source:     p.Source,
		Operator:   p.Operator,
	}
}

// ExceedsRetries reports whether the record reached a retry ceiling.
// A ceiling of zero or less means no ceiling.
func (p *PendingSyncRecord) ExceedsRetries(ceiling int) bool {
	return ceiling > 0 && p.RetryCount >= ceiling
}
