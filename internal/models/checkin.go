// Package models provides the check-in data model shared by the station and the store.
package models

import (
	"fmt"
	"time"
)

// Source is the provenance of an admission.
type Source string

const (
	SourceScanner Source = "scanner"
	SourceManual  Source = "manual"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceScanner || s == SourceManual
}

// TimestampLayout is the wire and storage form of scan timestamps:
// UTC ISO-8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// isoLayouts are the ISO-8601 forms accepted from clients, tried in order.
// Forms without a zone offset are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp as sent by clients.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, firstErr)
}

// ScanTime truncates t to the millisecond precision kept by storage so
// records compare equal after a round trip.
func ScanTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CheckInRecord is the authoritative record of a ticket's admission.
// Per CeremonyID there is at most one record per InviteeID.
type CheckInRecord struct {
	ID         string    `db:"id" json:"id"`
	InviteeID  string    `db:"invitee_id" json:"inviteeId"`
	CeremonyID string    `db:"ceremony_id" json:"ceremonyId"`
	TicketCode string    `db:"ticket_code" json:"ticketCode"`
	ScannedAt  time.Time `db:"scanned_at" json:"scannedAt"`
	Source     Source    `db:"source" json:"source"`
	Operator   string    `db:"operator" json:"operator,omitempty"`
}

// TableName returns the table name for CheckInRecord.
func (CheckInRecord) TableName() string {
	return "checkins"
}
