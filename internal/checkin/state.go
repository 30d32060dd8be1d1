// Package checkin records ticket admissions at an operator station.
package checkin

import (
	"sync"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/models"
)

// State is the set of check-ins the station knows to be recorded for one
// ceremony, keyed by invitee. It is seeded from the store listing and grows
// with every local admission.
type State struct {
	mu         sync.RWMutex
	ceremonyID string
	byInvitee  map[string]models.CheckInRecord
	order      []string
}

// NewState creates an empty state for ceremonyID.
func NewState(ceremonyID string) *State {
	return &State{
		ceremonyID: ceremonyID,
		byInvitee:  make(map[string]models.CheckInRecord),
	}
}

// CeremonyID returns the ceremony the state is scoped to.
func (s *State) CeremonyID() string {
	return s.ceremonyID
}

// Has reports whether inviteeID already has a check-in.
func (s *State) Has(inviteeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byInvitee[inviteeID]
	return ok
}

// Get returns the check-in recorded for inviteeID.
func (s *State) Get(inviteeID string) (models.CheckInRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byInvitee[inviteeID]
	return rec, ok
}

// Append adds rec unless its invitee is already present or it belongs to
// another ceremony. It reports whether rec was added.
func (s *State) Append(rec models.CheckInRecord) bool {
	if rec.CeremonyID != s.ceremonyID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byInvitee[rec.InviteeID]; ok {
		return false
	}
	s.byInvitee[rec.InviteeID] = rec
	s.order = append(s.order, rec.InviteeID)
	return true
}

// Remove drops the check-in of inviteeID.
func (s *State) Remove(inviteeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byInvitee[inviteeID]; !ok {
		return
	}
	delete(s.byInvitee, inviteeID)
	for i, id := range s.order {
		if id == inviteeID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Merge appends the records not already known and returns how many were added.
func (s *State) Merge(records []models.CheckInRecord) int {
	added := 0
	for _, rec := range records {
		if s.Append(rec) {
			added++
		}
	}
	return added
}

// Records returns the known check-ins in the order they became known.
func (s *State) Records() []models.CheckInRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CheckInRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byInvitee[id])
	}
	return out
}

// Count returns the number of known check-ins.
func (s *State) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byInvitee)
}

// CheckDuplicate fails with ErrDuplicateCheckIn when state already holds a
// check-in for invitee.
func CheckDuplicate(state *State, invitee models.Invitee) error {
	if state.Has(invitee.ID) {
		return errors.Newf(errors.ErrDuplicateCheckIn, "%s already admitted", invitee.DisplayName())
	}
	return nil
}
