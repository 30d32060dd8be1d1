// Package server is the remote check-in store: an HTTP API over a SQL
// database that enforces one check-in per invitee per ceremony.
package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/uuid"
)

// Options configures a Server. Zero values disable the optional parts.
type Options struct {
	RateLimit float64
	Index     *Index
	Publisher Publisher
	Logger    *logging.Logger
	Now       func() time.Time
	NewID     uuid.Generator
}

// Server serves the check-in store API.
type Server struct {
	store     *Store
	index     *Index
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
	newID     uuid.Generator
	echo      *echo.Echo
}

// CreateResponse is the answer to POST /api/checkins. ID is the stable
// client id of the stored admission.
type CreateResponse struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate"`
	ID        string `json:"id"`
}

// ListResponse is the answer to GET /api/checkins.
type ListResponse struct {
	OK    bool                   `json:"ok"`
	Items []models.CheckInRecord `json:"items"`
}

// New builds the store API over store.
func New(store *Store, opts Options) *Server {
	s := &Server{
		store:     store,
		index:     opts.Index,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if s.logger == nil {
		s.logger = logging.Get()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.New
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	if opts.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(configureRateLimiter(rate.Limit(opts.RateLimit))))
	}

	e.POST("/api/checkins", s.handleCreateCheckIn)
	e.GET("/api/checkins", s.handleListCheckIns)
	e.GET("/api/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo = e
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Check-in store listening", map[string]interface{}{"listen": addr})
	if err := s.echo.Start(addr); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var echoErr *echo.HTTPError
	if stderrors.As(err, &echoErr) {
		msg, ok := echoErr.Message.(string)
		if !ok {
			msg = http.StatusText(echoErr.Code)
		}
		c.JSON(echoErr.Code, map[string]string{"error": msg})
		return
	}

	s.logger.Error("Handler error", err, map[string]interface{}{"path": c.Path()})
	c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) duplicate(c echo.Context, rec models.CheckInRecord, id string) error {
	metrics.StoreWritesTotal.WithLabelValues("duplicate").Inc()
	s.logger.Info("Duplicate check-in", map[string]interface{}{
		"ceremony_id": rec.CeremonyID,
		"invitee_id":  rec.InviteeID,
		"id":          id,
	})
	return c.JSON(http.StatusOK, CreateResponse{OK: true, Duplicate: true, ID: id})
}

// resolveConflict handles a unique violation on insert. Either a concurrent
// submission admitted the invitee first, or the client id already belongs
// to another check-in. Only the first is a duplicate; the second stored
// nothing and must not be acknowledged.
func (s *Server) resolveConflict(c echo.Context, rec models.CheckInRecord) error {
	winner, found, err := s.store.FindByInvitee(c.Request().Context(), rec.CeremonyID, rec.InviteeID)
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		s.logger.ErrorWithCode("Duplicate check failed", string(errors.CodeOf(err)), err)
		return errorJSON(c, http.StatusInternalServerError, "failed to check for duplicates.")
	}
	if found {
		s.index.Add(rec.CeremonyID, rec.InviteeID, winner)
		return s.duplicate(c, rec, winner)
	}

	metrics.StoreWritesTotal.WithLabelValues("conflict").Inc()
	s.logger.Warn("Client id already used by another check-in", map[string]interface{}{
		"id":          rec.ID,
		"ceremony_id": rec.CeremonyID,
		"invitee_id":  rec.InviteeID,
	})
	return errorJSON(c, http.StatusConflict, "id already used by another check-in.")
}

func (s *Server) handleCreateCheckIn(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		metrics.StoreWritesTotal.WithLabelValues("invalid").Inc()
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body.")
	}

	if problems := req.validate(); len(problems) > 0 {
		metrics.StoreWritesTotal.WithLabelValues("invalid").Inc()
		return errorJSON(c, http.StatusBadRequest, strings.Join(problems, " "))
	}

	// Only an empty id fails here; validate rejected the rest.
	clientID, err := uuid.Normalize(req.ID)
	if err != nil {
		clientID = s.newID()
	}
	rec := req.record(clientID)
	ctx := c.Request().Context()

	if id, ok := s.index.Get(rec.CeremonyID, rec.InviteeID); ok {
		metrics.StoreIndexHitsTotal.Inc()
		return s.duplicate(c, rec, id)
	}

	existing, found, err := s.store.FindByInvitee(ctx, rec.CeremonyID, rec.InviteeID)
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		s.logger.ErrorWithCode("Duplicate check failed", string(errors.CodeOf(err)), err)
		return errorJSON(c, http.StatusInternalServerError, "failed to check for duplicates.")
	}
	if found {
		s.index.Add(rec.CeremonyID, rec.InviteeID, existing)
		return s.duplicate(c, rec, existing)
	}

	if err := s.store.Insert(ctx, rec, s.now()); err != nil {
		if errors.Is(err, errors.ErrConstraint) {
			return s.resolveConflict(c, rec)
		}
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		s.logger.ErrorWithCode("Check-in insert failed", string(errors.CodeOf(err)), err)
		return errorJSON(c, http.StatusInternalServerError, "failed to store the check-in.")
	}

	s.index.Add(rec.CeremonyID, rec.InviteeID, clientID)
	if s.publisher != nil {
		s.publisher.Publish(ctx, rec)
	}
	metrics.StoreWritesTotal.WithLabelValues("created").Inc()
	s.logger.Info("Check-in stored", map[string]interface{}{
		"id":          clientID,
		"ceremony_id": rec.CeremonyID,
		"invitee_id":  rec.InviteeID,
		"source":      string(rec.Source),
	})

	return c.JSON(http.StatusOK, CreateResponse{OK: true, ID: clientID})
}

func (s *Server) handleListCheckIns(c echo.Context) error {
	ceremonyID := c.QueryParam("ceremonyId")
	if ceremonyID == "" {
		return errorJSON(c, http.StatusBadRequest, "ceremonyId query parameter is required.")
	}

	records, err := s.store.List(c.Request().Context(), ceremonyID)
	if err != nil {
		s.logger.ErrorWithCode("Listing check-ins failed", string(errors.CodeOf(err)), err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load check-ins.")
	}
	return c.JSON(http.StatusOK, ListResponse{OK: true, Items: records})
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}
