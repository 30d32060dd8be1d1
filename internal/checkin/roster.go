package checkin

import (
	"strings"
	"sync"

	"github.com/ceremonia/checkin/internal/models"
)

// Roster resolves scanned ticket codes to the invitees of one ceremony.
type Roster struct {
	mu         sync.RWMutex
	ceremonyID string
	byTicket   map[string]models.Invitee
}

// NewRoster creates a roster for ceremonyID holding invitees.
func NewRoster(ceremonyID string, invitees []models.Invitee) *Roster {
	r := &Roster{ceremonyID: ceremonyID}
	r.Replace(invitees)
	return r
}

// Replace swaps the roster contents. Invitees of other ceremonies are
// skipped; invitees without a ceremony are adopted. It returns the number
// of invitees kept.
func (r *Roster) Replace(invitees []models.Invitee) int {
	byTicket := make(map[string]models.Invitee, len(invitees))
	for _, inv := range invitees {
		if inv.CeremonyID == "" {
			inv.CeremonyID = r.ceremonyID
		}
		if inv.CeremonyID != r.ceremonyID || inv.TicketCode == "" {
			continue
		}
		byTicket[normalizeTicket(inv.TicketCode)] = inv
	}

	r.mu.Lock()
	r.byTicket = byTicket
	r.mu.Unlock()
	return len(byTicket)
}

// Lookup returns the invitee holding ticketCode.
func (r *Roster) Lookup(ticketCode string) (models.Invitee, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.byTicket[normalizeTicket(ticketCode)]
	return inv, ok
}

// Len returns the number of invitees on the roster.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTicket)
}

// CeremonyID returns the ceremony the roster belongs to.
func (r *Roster) CeremonyID() string {
	return r.ceremonyID
}

func normalizeTicket(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
