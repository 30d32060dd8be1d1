package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ceremonia/checkin/internal/config"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
)

var fixedNow = time.Date(2026, 6, 20, 18, 0, 0, 0, time.UTC)

func quietLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelError, logging.FormatJSON)
}

func sequenceIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validBody(invitee string) map[string]interface{} {
	return map[string]interface{}{
		"inviteeId":  invitee,
		"ceremonyId": "cer-2026",
		"ticketCode": "T-" + invitee,
		"scannedAt":  "2026-06-20T17:00:00.000Z",
		"source":     "scanner",
		"operator":   "Gate A",
	}
}

type ServerSuite struct {
	suite.Suite
	store *Store
	srv   *Server
}

func (s *ServerSuite) SetupTest() {
	s.store = openTestStore(s.T())
	idx, err := NewIndex(16)
	s.Require().NoError(err)
	s.srv = New(s.store, Options{
		Index:  idx,
		Logger: quietLogger(),
		Now:    func() time.Time { return fixedNow },
		NewID:  sequenceIDs("11111111-1111-4111-8111-111111111111", "22222222-2222-4222-8222-222222222222"),
	})
}

func (s *ServerSuite) decodeCreate(rec *httptest.ResponseRecorder) CreateResponse {
	var resp CreateResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *ServerSuite) TestCreate_GeneratesClientID() {
	rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))

	s.Equal(http.StatusOK, rec.Code)
	resp := s.decodeCreate(rec)
	s.True(resp.OK)
	s.False(resp.Duplicate)
	s.Equal("11111111-1111-4111-8111-111111111111", resp.ID)
}

func (s *ServerSuite) TestCreate_KeepsClientID() {
	body := validBody("inv-1")
	body["id"] = "AAAAAAAA-AAAA-4AAA-8AAA-AAAAAAAAAAAA"

	resp := s.decodeCreate(do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", body))
	s.Equal("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", resp.ID)
}

func (s *ServerSuite) TestCreate_DuplicateReturnsOriginalID() {
	first := s.decodeCreate(do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1")))

	body := validBody("inv-1")
	body["scannedAt"] = "2026-06-20T17:05:00.000Z"
	rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", body)

	s.Equal(http.StatusOK, rec.Code)
	second := s.decodeCreate(rec)
	s.True(second.OK)
	s.True(second.Duplicate)
	s.Equal(first.ID, second.ID)

	records, err := s.store.List(context.Background(), "cer-2026")
	s.Require().NoError(err)
	s.Len(records, 1)
}

func (s *ServerSuite) TestCreate_DuplicateWithoutIndex() {
	srv := New(s.store, Options{Logger: quietLogger()})
	first := s.decodeCreate(do(s.T(), srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1")))
	second := s.decodeCreate(do(s.T(), srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1")))

	s.True(second.Duplicate)
	s.Equal(first.ID, second.ID)
}

func (s *ServerSuite) TestCreate_ReusedClientIDIsNotADuplicate() {
	const reused = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	first := validBody("inv-1")
	first["id"] = reused
	s.Equal(http.StatusOK, do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", first).Code)

	clash := validBody("inv-2")
	clash["id"] = reused
	rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", clash)
	s.Equal(http.StatusConflict, rec.Code)
	s.Contains(rec.Body.String(), "id already used by another check-in.")
	s.NotContains(rec.Body.String(), `"duplicate"`)

	// The failed attempt must not mark inv-2 as admitted.
	_, cached := s.srv.index.Get("cer-2026", "inv-2")
	s.False(cached)

	fresh := validBody("inv-2")
	fresh["id"] = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	resp := s.decodeCreate(do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", fresh))
	s.True(resp.OK)
	s.False(resp.Duplicate)
	s.Equal("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", resp.ID)

	records, err := s.store.List(context.Background(), "cer-2026")
	s.Require().NoError(err)
	s.Len(records, 2)
}

func (s *ServerSuite) TestCreate_AcceptsISODateForms() {
	for i, scannedAt := range []string{"2026-06-20T17:00:00", "2026-06-20T17:00", "2026-06-20"} {
		body := validBody(fmt.Sprintf("inv-iso-%d", i))
		body["scannedAt"] = scannedAt
		rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", body)
		s.Equal(http.StatusOK, rec.Code, "%s: %s", scannedAt, rec.Body.String())
	}

	records, err := s.store.List(context.Background(), "cer-2026")
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	s.Equal(time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC), records[2].ScannedAt)
}

func (s *ServerSuite) TestCreate_Validation() {
	rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", map[string]interface{}{})
	s.Equal(http.StatusBadRequest, rec.Code)

	var resp map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("inviteeId is required. ceremonyId is required. ticketCode is required. "+
		"scannedAt is required. source is required.", resp["error"])

	body := validBody("inv-1")
	body["scannedAt"] = "yesterday"
	body["source"] = "kiosk"
	body["id"] = "not-a-uuid"
	rec = do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", body)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "scannedAt must be a valid date.")
	s.Contains(rec.Body.String(), "source is invalid.")
	s.Contains(rec.Body.String(), "id must be a UUID v4.")
}

func (s *ServerSuite) TestCreate_MalformedJSON() {
	rec := do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", "{not json")
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "error")
}

func (s *ServerSuite) TestList() {
	do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	later := validBody("inv-2")
	later["scannedAt"] = "2026-06-20T17:30:00.000Z"
	later["source"] = "manual"
	do(s.T(), s.srv.Handler(), http.MethodPost, "/api/checkins", later)

	rec := do(s.T(), s.srv.Handler(), http.MethodGet, "/api/checkins?ceremonyId=cer-2026", nil)
	s.Equal(http.StatusOK, rec.Code)

	var resp ListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.True(resp.OK)
	s.Require().Len(resp.Items, 2)
	s.Equal("inv-2", resp.Items[0].InviteeID)
	s.Equal(models.SourceManual, resp.Items[0].Source)
	s.Equal("inv-1", resp.Items[1].InviteeID)
}

func (s *ServerSuite) TestList_RequiresCeremony() {
	rec := do(s.T(), s.srv.Handler(), http.MethodGet, "/api/checkins", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "ceremonyId")
}

func (s *ServerSuite) TestHealth() {
	rec := do(s.T(), s.srv.Handler(), http.MethodGet, "/api/health", nil)
	s.Equal(http.StatusOK, rec.Code)

	s.Require().NoError(s.store.Close())
	rec = do(s.T(), s.srv.Handler(), http.MethodGet, "/api/health", nil)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
}

func (s *ServerSuite) TestMetricsEndpoint() {
	rec := do(s.T(), s.srv.Handler(), http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, rec.Code)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestCreate_UniqueRaceIsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := New(NewStore(db, config.DriverPostgres), Options{Logger: quietLogger()})
	find := regexp.QuoteMeta("SELECT client_id FROM checkins WHERE ceremony_id = $1 AND invitee_id = $2")

	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").WillReturnRows(sqlmock.NewRows([]string{"client_id"}))
	mock.ExpectExec("INSERT INTO checkins").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow("winner-id"))

	rec := do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "winner-id", resp.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ConstraintWithoutExistingRowIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	idx, err := NewIndex(16)
	require.NoError(t, err)
	srv := New(NewStore(db, config.DriverPostgres), Options{Index: idx, Logger: quietLogger()})
	find := regexp.QuoteMeta("SELECT client_id FROM checkins WHERE ceremony_id = $1 AND invitee_id = $2")

	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").WillReturnRows(sqlmock.NewRows([]string{"client_id"}))
	mock.ExpectExec("INSERT INTO checkins").WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "checkins_pkey"})
	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").WillReturnRows(sqlmock.NewRows([]string{"client_id"}))

	rec := do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, idx.Len())

	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").WillReturnRows(sqlmock.NewRows([]string{"client_id"}))
	mock.ExpectExec("INSERT INTO checkins").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(find).WithArgs("cer-2026", "inv-1").WillReturnError(&pgconn.PgError{Code: "08006"})

	rec = do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, idx.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_StorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := New(NewStore(db, config.DriverPostgres), Options{Logger: quietLogger()})

	mock.ExpectQuery("SELECT client_id").WillReturnError(&pgconn.PgError{Code: "08006"})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to check for duplicates")

	mock.ExpectQuery("SELECT client_id").WillReturnRows(sqlmock.NewRows([]string{"client_id"}))
	mock.ExpectExec("INSERT INTO checkins").WillReturnError(&pgconn.PgError{Code: "53100"})
	rec = do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to store the check-in")

	mock.ExpectQuery("FROM checkins WHERE ceremony_id").WillReturnError(&pgconn.PgError{Code: "08006"})
	rec = do(t, srv.Handler(), http.MethodGet, "/api/checkins?ceremonyId=cer-2026", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_PublishesNewAdmissions(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := openTestStore(t)
	srv := New(store, Options{
		Logger:    quietLogger(),
		Publisher: NewStreamPublisher(rdb, "checkins:admitted", quietLogger()),
		NewID:     sequenceIDs("33333333-3333-4333-8333-333333333333"),
	})

	rec := models.CheckInRecord{
		ID:         "33333333-3333-4333-8333-333333333333",
		InviteeID:  "inv-1",
		CeremonyID: "cer-2026",
		TicketCode: "T-inv-1",
		ScannedAt:  time.Date(2026, 6, 20, 17, 0, 0, 0, time.UTC),
		Source:     models.SourceScanner,
		Operator:   "Gate A",
	}
	mock.ExpectXAdd(streamArgs("checkins:admitted", DefaultStreamMaxLen, rec)).SetVal("1-0")

	resp := do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusOK, resp.Code)

	// A duplicate is not announced again.
	resp = do(t, srv.Handler(), http.MethodPost, "/api/checkins", validBody("inv-1"))
	assert.Equal(t, http.StatusOK, resp.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimit(t *testing.T) {
	srv := New(openTestStore(t), Options{Logger: quietLogger(), RateLimit: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, srv.Handler(), http.MethodGet, "/api/health", nil).Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}

func TestServer_ErrorBodyIsJSON(t *testing.T) {
	srv := New(openTestStore(t), Options{Logger: quietLogger()})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{\"error\""))
}
