// Package station serves the operator-facing API of a check-in station:
// scanning, manual admission, queue inspection and live events.
package station

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ceremonia/checkin/internal/checkin"
	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	syncpkg "github.com/ceremonia/checkin/internal/sync"
	"github.com/ceremonia/checkin/internal/sync/scheduler"
)

// maxBody caps request bodies; a roster upload is the largest.
const maxBody = 8 << 20

// SyncRunner runs and reports sync passes.
type SyncRunner interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	GetStatus() scheduler.SchedulerStatus
}

// Options wires a Server.
type Options struct {
	Recorder     *checkin.Recorder
	Queue        queue.Store
	Sync         SyncRunner
	Hub          *Hub
	RetryCeiling int
	Logger       *logging.Logger
}

// Server is the station HTTP API.
type Server struct {
	recorder     *checkin.Recorder
	queue        queue.Store
	sync         SyncRunner
	hub          *Hub
	retryCeiling int
	logger       *logging.Logger
	mux          *http.ServeMux
	httpServer   *http.Server
}

// New builds the station API.
func New(opts Options) *Server {
	s := &Server{
		recorder:     opts.Recorder,
		queue:        opts.Queue,
		sync:         opts.Sync,
		hub:          opts.Hub,
		retryCeiling: opts.RetryCeiling,
		logger:       opts.Logger,
		mux:          http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = logging.Get()
	}

	s.mux.HandleFunc("POST /api/scan", s.handleScan)
	s.mux.HandleFunc("POST /api/checkins", s.handleCheckIn)
	s.mux.HandleFunc("GET /api/checkins", s.handleListCheckIns)
	s.mux.HandleFunc("GET /api/pending", s.handlePending)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("PUT /api/roster", s.handleRoster)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		s.mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Station listening", map[string]interface{}{"listen": addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code errors.ErrorCode, msg string) {
	writeJSON(w, status, errorBody{Status: "error", Code: string(code), Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.ErrInvalid, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps a recorder error to its HTTP status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrDuplicateCheckIn:
		return http.StatusConflict
	case errors.ErrTicketUnknown, errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrValidation, errors.ErrInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeOutcome answers a recording request: 200 for admitted and queued,
// 409 with the duplicate outcome, otherwise an error body.
func (s *Server) writeOutcome(w http.ResponseWriter, o *checkin.Outcome, err error) {
	if err != nil && o != nil {
		writeJSON(w, statusFor(err), o)
		return
	}
	if err != nil {
		var appErr *errors.AppError
		msg := err.Error()
		if stderrors.As(err, &appErr) {
			msg = appErr.Message
		}
		writeError(w, statusFor(err), errors.CodeOf(err), msg)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketCode string `json:"ticketCode"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.TicketCode == "" {
		writeError(w, http.StatusBadRequest, errors.ErrValidation, "ticketCode is required")
		return
	}

	o, err := s.recorder.RecordScan(r.Context(), req.TicketCode)
	s.writeOutcome(w, o, err)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		models.Invitee
		Source models.Source `json:"source"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}

	o, err := s.recorder.RecordCheckIn(r.Context(), req.Invitee, req.Source)
	s.writeOutcome(w, o, err)
}

func (s *Server) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	state := s.recorder.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ceremonyId": state.CeremonyID(),
		"count":      state.Count(),
		"items":      state.Records(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.GetPendingCheckIns(r.Context())
	if err != nil {
		s.logger.ErrorWithCode("Failed to read queue", string(errors.CodeOf(err)), err)
		writeError(w, http.StatusInternalServerError, errors.CodeOf(err), "failed to read the local queue")
		return
	}

	var stuck []*models.PendingSyncRecord
	for _, p := range pending {
		if p.ExceedsRetries(s.retryCeiling) {
			stuck = append(stuck, p)
		}
	}

	if pending == nil {
		pending = []*models.PendingSyncRecord{}
	}
	if stuck == nil {
		stuck = []*models.PendingSyncRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(pending),
		"items": pending,
		"stuck": stuck,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.ErrInternal, "sync is not configured")
		return
	}

	result, err := s.sync.SyncNow(r.Context())
	if err != nil {
		s.logger.ErrorWithCode("Manual sync failed", string(errors.CodeOf(err)), err)
		writeError(w, http.StatusInternalServerError, errors.CodeOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"result":    result,
		"remaining": result.Remaining(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"ceremonyId": s.recorder.State().CeremonyID(),
		"admitted":   s.recorder.State().Count(),
	}
	if roster := s.recorder.Roster(); roster != nil {
		body["rosterSize"] = roster.Len()
	}
	if s.sync != nil {
		body["sync"] = s.sync.GetStatus()
	}
	if stats, err := queue.Summarize(r.Context(), s.queue, s.retryCeiling); err == nil {
		body["queue"] = stats
	}
	if s.hub != nil {
		body["clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Invitees []models.Invitee `json:"invitees"`
	}
	if !decode(w, r, &req) {
		return
	}

	var loaded int
	if roster := s.recorder.Roster(); roster != nil {
		loaded = roster.Replace(req.Invitees)
	} else {
		roster := checkin.NewRoster(s.recorder.State().CeremonyID(), req.Invitees)
		s.recorder.SetRoster(roster)
		loaded = roster.Len()
	}

	s.logger.Info("Roster loaded", map[string]interface{}{
		"received": len(req.Invitees),
		"loaded":   loaded,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"loaded":  loaded,
		"skipped": len(req.Invitees) - loaded,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "service": "checkin-station"}
	if s.sync != nil {
		body["online"] = s.sync.GetStatus().IsOnline
	}
	writeJSON(w, http.StatusOK, body)
}
