package station

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ceremonia/checkin/internal/checkin"
	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	"github.com/ceremonia/checkin/internal/remote"
	syncpkg "github.com/ceremonia/checkin/internal/sync"
	"github.com/ceremonia/checkin/internal/sync/connectivity"
	"github.com/ceremonia/checkin/internal/sync/scheduler"
)

const ceremony = "cer-2026"

// switchStore accepts submissions only while up is set.
type switchStore struct {
	up      atomic.Bool
	mu      sync.Mutex
	records map[string]string // invitee -> id
}

func newSwitchStore(up bool) *switchStore {
	s := &switchStore{records: make(map[string]string)}
	s.up.Store(up)
	return s
}

func (s *switchStore) Submit(ctx context.Context, rec models.CheckInRecord) (*remote.SubmitResult, error) {
	if !s.up.Load() {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "POST /api/checkins", stderrors.New("connection refused"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.records[rec.InviteeID]; ok {
		return &remote.SubmitResult{OK: true, ID: id, Duplicate: true}, nil
	}
	s.records[rec.InviteeID] = rec.ID
	return &remote.SubmitResult{OK: true, ID: rec.ID}, nil
}

func quiet() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelError, logging.FormatJSON)
}

var roster = []models.Invitee{
	{ID: "inv-1", TicketCode: "GRAD-001", Name: "Ana Perez", Role: models.RoleStudent},
	{ID: "inv-2", TicketCode: "GRAD-002", Name: "Luis Soto", Role: models.RoleGuest},
	{ID: "inv-x", CeremonyID: "other", TicketCode: "GRAD-999", Name: "Elsewhere"},
}

type StationSuite struct {
	suite.Suite
	store    *switchStore
	queue    *queue.MemoryQueue
	recorder *checkin.Recorder
	monitor  *connectivity.Monitor
	sched    *scheduler.Scheduler
	hub      *Hub
	srv      *Server
}

func (s *StationSuite) SetupTest() {
	s.store = newSwitchStore(true)
	s.queue = queue.NewMemoryQueue()
	s.recorder = checkin.NewRecorder(checkin.NewState(ceremony), s.store, s.queue, &checkin.Config{
		Operator: "Gate A",
		Logger:   quiet(),
	})
	s.recorder.SetRoster(checkin.NewRoster(ceremony, roster))

	reconciler := syncpkg.NewReconciler(s.queue, s.store, &syncpkg.Config{RetryCeiling: 3, Logger: quiet()})
	s.monitor = connectivity.NewMonitor(true)
	s.sched = scheduler.NewScheduler(reconciler, s.queue, s.monitor, &scheduler.SchedulerConfig{
		PassTimeout: time.Second,
		Logger:      quiet(),
	})
	s.hub = NewHub(quiet())
	s.recorder.AddListener(s.hub)
	reconciler.AddHandler(s.hub)

	s.srv = New(Options{
		Recorder:     s.recorder,
		Queue:        s.queue,
		Sync:         s.sched,
		Hub:          s.hub,
		RetryCeiling: 3,
		Logger:       quiet(),
	})
}

func (s *StationSuite) TearDownTest() {
	s.hub.Close()
}

func (s *StationSuite) do(method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func (s *StationSuite) TestScan_Admitted() {
	rec, body := s.do(http.MethodPost, "/api/scan", `{"ticketCode":"grad-001"}`)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("admitted", body["status"])
	s.Equal("Student Ana Perez admitted", body["message"])
	s.True(s.recorder.State().Has("inv-1"))
}

func (s *StationSuite) TestScan_Duplicate() {
	s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-001"}`)
	rec, body := s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-001"}`)

	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("duplicate", body["status"])
	s.Equal("Ana Perez already admitted", body["message"])
}

func (s *StationSuite) TestScan_UnknownTicket() {
	rec, body := s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-999"}`)

	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(string(errors.ErrTicketUnknown), body["code"])
	s.Equal("ticket GRAD-999 does not belong to this ceremony", body["error"])
}

func (s *StationSuite) TestScan_BadRequests() {
	rec, _ := s.do(http.MethodPost, "/api/scan", `{`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPost, "/api/scan", `{"ticketCode":""}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodGet, "/api/scan", "")
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *StationSuite) TestCheckIn_OfflineQueuesThenSyncs() {
	s.store.up.Store(false)

	rec, body := s.do(http.MethodPost, "/api/checkins",
		`{"id":"inv-2","ticketCode":"GRAD-002","name":"Luis Soto","role":"guest"}`)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("queued", body["status"])
	s.Equal("Luis Soto queued, will sync automatically", body["message"])
	record := body["record"].(map[string]interface{})
	s.Equal("manual", record["source"])

	_, pending := s.do(http.MethodGet, "/api/pending", "")
	s.EqualValues(1, pending["count"])

	s.store.up.Store(true)
	rec, body = s.do(http.MethodPost, "/api/sync", "")
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(0, body["remaining"])

	_, pending = s.do(http.MethodGet, "/api/pending", "")
	s.EqualValues(0, pending["count"])
}

func (s *StationSuite) TestCheckIn_Validation() {
	rec, body := s.do(http.MethodPost, "/api/checkins", `{"ticketCode":"GRAD-404"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(string(errors.ErrValidation), body["code"])
}

func (s *StationSuite) TestListCheckIns() {
	s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-001"}`)
	s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-002"}`)

	rec, body := s.do(http.MethodGet, "/api/checkins", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(ceremony, body["ceremonyId"])
	s.EqualValues(2, body["count"])
	s.Len(body["items"], 2)
}

func (s *StationSuite) TestPending_ReportsStuck() {
	s.store.up.Store(false)
	s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-001"}`)

	for i := 0; i < 3; i++ {
		s.do(http.MethodPost, "/api/sync", "")
	}

	_, body := s.do(http.MethodGet, "/api/pending", "")
	s.EqualValues(1, body["count"])
	s.Len(body["stuck"], 1)
}

func (s *StationSuite) TestStatus() {
	rec, body := s.do(http.MethodGet, "/api/status", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(ceremony, body["ceremonyId"])
	s.EqualValues(2, body["rosterSize"])
	s.Contains(body, "sync")
	s.Contains(body, "queue")
}

func (s *StationSuite) TestRoster_Replace() {
	rec, body := s.do(http.MethodPut, "/api/roster",
		`{"invitees":[{"id":"inv-7","ticketCode":"GRAD-007","name":"Marta Ruiz","role":"student"},
		{"id":"inv-8","ceremonyId":"other","ticketCode":"GRAD-008"}]}`)
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(1, body["loaded"])
	s.EqualValues(1, body["skipped"])

	rec, _ = s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-007"}`)
	s.Equal(http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodPost, "/api/scan", `{"ticketCode":"GRAD-001"}`)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *StationSuite) TestHealthAndMetrics() {
	rec, body := s.do(http.MethodGet, "/api/health", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["online"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(mrec, req)
	s.Equal(http.StatusOK, mrec.Code)
}

func TestStationSuite(t *testing.T) {
	suite.Run(t, new(StationSuite))
}

func TestScan_NoRoster(t *testing.T) {
	q := queue.NewMemoryQueue()
	recorder := checkin.NewRecorder(checkin.NewState(ceremony), newSwitchStore(true), q, &checkin.Config{Logger: quiet()})
	srv := New(Options{Recorder: recorder, Queue: q, Logger: quiet()})

	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"ticketCode":"GRAD-001"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// failingQueue refuses every write.
type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) QueueCheckIn(ctx context.Context, rec models.CheckInRecord) (*models.PendingSyncRecord, error) {
	return nil, errors.Wrap(errors.ErrQueueOperation, "queue check-in", stderrors.New("disk full"))
}

func TestScan_QueueFailureIs500(t *testing.T) {
	q := failingQueue{queue.NewMemoryQueue()}
	recorder := checkin.NewRecorder(checkin.NewState(ceremony), newSwitchStore(false), q, &checkin.Config{Logger: quiet()})
	recorder.SetRoster(checkin.NewRoster(ceremony, roster))
	srv := New(Options{Recorder: recorder, Queue: q, Logger: quiet()})

	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"ticketCode":"GRAD-001"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(errors.ErrQueueOperation))
	assert.False(t, recorder.State().Has("inv-1"))
}
