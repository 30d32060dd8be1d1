package checkin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	"github.com/ceremonia/checkin/internal/remote"
	"github.com/ceremonia/checkin/internal/uuid"
)

// Status is the operator-visible result class of a check-in.
type Status string

const (
	StatusAdmitted  Status = "admitted"
	StatusDuplicate Status = "duplicate"
	StatusQueued    Status = "queued"
)

// Outcome describes what happened to one check-in attempt.
type Outcome struct {
	Status          Status                    `json:"status"`
	Message         string                    `json:"message"`
	Invitee         models.Invitee            `json:"invitee"`
	Record          models.CheckInRecord      `json:"record"`
	RemoteID        string                    `json:"remoteId,omitempty"`
	RemoteDuplicate bool                      `json:"remoteDuplicate,omitempty"`
	Pending         *models.PendingSyncRecord `json:"pending,omitempty"`
	Warning         string                    `json:"warning,omitempty"`
}

// Listener is notified of every outcome the recorder produces.
type Listener interface {
	CheckInRecorded(o *Outcome)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(o *Outcome)

// CheckInRecorded implements Listener.
func (f ListenerFunc) CheckInRecorded(o *Outcome) {
	f(o)
}

// Config holds recorder settings.
type Config struct {
	Operator   string // default operator label stamped on records
	MaxPending int    // queue size above which queued outcomes carry a warning; 0 disables
	Now        func() time.Time
	NewID      uuid.Generator
	Logger     *logging.Logger
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		Operator:   "Mobile operator",
		MaxPending: 500,
	}
}

// Recorder turns a scanned or selected invitee into exactly one durable
// admission: a confirmed remote write or a queued record.
type Recorder struct {
	state  *State
	remote remote.Submitter
	queue  queue.Store
	cfg    Config

	mu        sync.RWMutex
	roster    *Roster
	listeners []Listener
}

// NewRecorder creates a Recorder over state.
func NewRecorder(state *State, submitter remote.Submitter, q queue.Store, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}

	return &Recorder{
		state:  state,
		remote: submitter,
		queue:  q,
		cfg:    cfg,
	}
}

// State returns the recorder's confirmed set.
func (r *Recorder) State() *State {
	return r.state
}

// SetRoster installs the roster used by RecordScan.
func (r *Recorder) SetRoster(roster *Roster) {
	r.mu.Lock()
	r.roster = roster
	r.mu.Unlock()
}

// Roster returns the installed roster, or nil.
func (r *Recorder) Roster() *Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roster
}

// AddListener registers l for every future outcome.
func (r *Recorder) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Recorder) notify(o *Outcome) {
	metrics.CheckInsRecordedTotal.WithLabelValues(string(o.Status)).Inc()

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, l := range listeners {
		l.CheckInRecorded(o)
	}
}

// RecordScan resolves ticketCode against the roster and records a scanner
// check-in for its holder.
func (r *Recorder) RecordScan(ctx context.Context, ticketCode string) (*Outcome, error) {
	roster := r.Roster()
	if roster == nil {
		return nil, errors.New(errors.ErrNotFound, "no roster loaded for this ceremony")
	}

	invitee, ok := roster.Lookup(ticketCode)
	if !ok {
		return nil, errors.Newf(errors.ErrTicketUnknown, "ticket %s does not belong to this ceremony", strings.TrimSpace(ticketCode))
	}
	return r.RecordCheckIn(ctx, invitee, models.SourceScanner)
}

// RecordCheckIn records an admission for invitee.
//
// A known invitee yields a duplicate outcome together with an
// ErrDuplicateCheckIn error and nothing is written. Otherwise the record is
// appended to the state and submitted once; any failure of that submission
// queues the record instead. The only error besides a duplicate is
// ErrQueueOperation, returned when the queue write itself fails, in which
// case the state append is undone.
func (r *Recorder) RecordCheckIn(ctx context.Context, invitee models.Invitee, source models.Source) (*Outcome, error) {
	if invitee.CeremonyID == "" {
		invitee.CeremonyID = r.state.CeremonyID()
	}
	if invitee.CeremonyID != r.state.CeremonyID() {
		return nil, errors.Newf(errors.ErrValidation, "%s belongs to ceremony %s, not %s",
			invitee.DisplayName(), invitee.CeremonyID, r.state.CeremonyID())
	}
	if invitee.ID == "" {
		return nil, errors.New(errors.ErrValidation, "invitee id is required")
	}
	if !source.Valid() {
		return nil, errors.Newf(errors.ErrValidation, "unknown check-in source %q", source)
	}

	if err := CheckDuplicate(r.state, invitee); err != nil {
		return r.duplicate(invitee, err), err
	}

	rec := models.CheckInRecord{
		ID:         r.cfg.NewID(),
		InviteeID:  invitee.ID,
		CeremonyID: invitee.CeremonyID,
		TicketCode: invitee.TicketCode,
		ScannedAt:  models.ScanTime(r.cfg.Now()),
		Source:     source,
		Operator:   r.cfg.Operator,
	}

	// A concurrent call may have appended between the check and here.
	if !r.state.Append(rec) {
		err := errors.Newf(errors.ErrDuplicateCheckIn, "%s already admitted", invitee.DisplayName())
		return r.duplicate(invitee, err), err
	}

	result, err := r.remote.Submit(ctx, rec)
	if err == nil {
		o := &Outcome{
			Status:          StatusAdmitted,
			Message:         fmt.Sprintf("%s %s admitted", invitee.Role.Label(), invitee.DisplayName()),
			Invitee:         invitee,
			Record:          rec,
			RemoteID:        result.ID,
			RemoteDuplicate: result.Duplicate,
		}
		if result.Duplicate {
			r.cfg.Logger.Info("Store already had check-in", map[string]interface{}{
				"invitee_id":  invitee.ID,
				"ceremony_id": invitee.CeremonyID,
				"remote_id":   result.ID,
			})
		}
		r.notify(o)
		return o, nil
	}

	return r.enqueue(ctx, invitee, rec, err)
}

func (r *Recorder) duplicate(invitee models.Invitee, err error) *Outcome {
	o := &Outcome{
		Status:  StatusDuplicate,
		Message: fmt.Sprintf("%s already admitted", invitee.DisplayName()),
		Invitee: invitee,
	}
	if rec, ok := r.state.Get(invitee.ID); ok {
		o.Record = rec
	}
	r.cfg.Logger.Debug("Duplicate check-in refused", map[string]interface{}{
		"invitee_id": invitee.ID,
		"error":      err.Error(),
	})
	r.notify(o)
	return o
}

func (r *Recorder) enqueue(ctx context.Context, invitee models.Invitee, rec models.CheckInRecord, cause error) (*Outcome, error) {
	fields := map[string]interface{}{
		"invitee_id":  rec.InviteeID,
		"ceremony_id": rec.CeremonyID,
		"ticket_code": rec.TicketCode,
		"record_id":   rec.ID,
	}
	r.cfg.Logger.Warn("Remote write failed, queueing check-in", fields, map[string]interface{}{
		"error_code": string(errors.CodeOf(cause)),
		"error":      cause.Error(),
	})

	// The queue write must outlive a caller that gave up on the request.
	qctx := context.WithoutCancel(ctx)

	pending, err := r.queue.QueueCheckIn(qctx, rec)
	if err != nil {
		r.state.Remove(rec.InviteeID)
		metrics.CheckInsRecordedTotal.WithLabelValues("failed").Inc()
		r.cfg.Logger.ErrorWithCode("Check-in could not be queued and was not recorded",
			string(errors.ErrQueueOperation), err, fields)
		if errors.Is(err, errors.ErrQueueOperation) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrQueueOperation, "queue check-in", err)
	}

	o := &Outcome{
		Status:  StatusQueued,
		Message: fmt.Sprintf("%s queued, will sync automatically", invitee.DisplayName()),
		Invitee: invitee,
		Record:  rec,
		Pending: pending,
	}

	if n, err := r.queue.Count(qctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
		if r.cfg.MaxPending > 0 && n > r.cfg.MaxPending {
			o.Warning = fmt.Sprintf("%d check-ins waiting to sync (limit %d); restore connectivity soon", n, r.cfg.MaxPending)
			r.cfg.Logger.Warn("Local queue above capacity bound", map[string]interface{}{
				"pending":     n,
				"max_pending": r.cfg.MaxPending,
			})
		}
	}

	r.notify(o)
	return o, nil
}

// Hydrate seeds the state with the ceremony's queued check-ins and, when
// lister is non-nil, with the store's listing. The queued records are merged
// even when the listing fails. It returns the number of records added.
func (r *Recorder) Hydrate(ctx context.Context, lister remote.Lister) (int, error) {
	ceremonyID := r.state.CeremonyID()

	pending, err := r.queue.GetPendingCheckIns(ctx)
	if err != nil {
		return 0, err
	}
	var queued []models.CheckInRecord
	for _, p := range pending {
		if p.CeremonyID == ceremonyID {
			queued = append(queued, p.CheckIn())
		}
	}
	added := r.state.Merge(queued)

	if lister == nil {
		return added, nil
	}

	items, err := lister.List(ctx, ceremonyID)
	if err != nil {
		return added, err
	}
	added += r.state.Merge(items)

	r.cfg.Logger.Info("Check-in state hydrated", map[string]interface{}{
		"ceremony_id": ceremonyID,
		"known":       r.state.Count(),
		"queued":      len(queued),
		"listed":      len(items),
	})
	return added, nil
}
