package models

// Role distinguishes graduating students from their guests.
type Role string

const (
	RoleStudent Role = "student"
	RoleGuest   Role = "guest"
)

// Label returns the operator-facing name of the role.
func (r Role) Label() string {
	switch r {
	case RoleStudent:
		return "Student"
	case RoleGuest:
		return "Guest"
	default:
		return "Invitee"
	}
}

// Invitee is a ticket holder for one ceremony.
type Invitee struct {
	ID         string `json:"id"`
	CeremonyID string `json:"ceremonyId"`
	TicketCode string `json:"ticketCode"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
}

// DisplayName returns the name to show the operator, falling back to the ticket code.
func (i Invitee) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.TicketCode
}
