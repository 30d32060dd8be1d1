package server

import (
	"strings"

	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/uuid"
)

// createRequest is the body of POST /api/checkins.
type createRequest struct {
	ID         string `json:"id"`
	InviteeID  string `json:"inviteeId"`
	CeremonyID string `json:"ceremonyId"`
	TicketCode string `json:"ticketCode"`
	ScannedAt  string `json:"scannedAt"`
	Source     string `json:"source"`
	Operator   string `json:"operator"`
}

// validate returns every problem with the request, in field order.
func (r *createRequest) validate() []string {
	var problems []string

	if r.InviteeID == "" {
		problems = append(problems, "inviteeId is required.")
	}
	if r.CeremonyID == "" {
		problems = append(problems, "ceremonyId is required.")
	}
	if r.TicketCode == "" {
		problems = append(problems, "ticketCode is required.")
	}
	if r.ScannedAt == "" {
		problems = append(problems, "scannedAt is required.")
	} else if _, err := models.ParseTimestamp(r.ScannedAt); err != nil {
		problems = append(problems, "scannedAt must be a valid date.")
	}
	if r.Source == "" {
		problems = append(problems, "source is required.")
	} else if !models.Source(r.Source).Valid() {
		problems = append(problems, "source is invalid.")
	}
	if r.ID != "" && uuid.Validate(r.ID) != nil {
		problems = append(problems, "id must be a UUID v4.")
	}

	return problems
}

// record converts a validated request; clientID is used for the record id.
func (r *createRequest) record(clientID string) models.CheckInRecord {
	scannedAt, _ := models.ParseTimestamp(r.ScannedAt)
	return models.CheckInRecord{
		ID:         clientID,
		InviteeID:  r.InviteeID,
		CeremonyID: r.CeremonyID,
		TicketCode: r.TicketCode,
		ScannedAt:  models.ScanTime(scannedAt),
		Source:     models.Source(r.Source),
		Operator:   strings.TrimSpace(r.Operator),
	}
}
