package sync

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	"github.com/ceremonia/checkin/internal/remote"
)

// fakeStore accepts check-ins keyed by invitee, like the real store.
type fakeStore struct {
	mu      stdsync.Mutex
	records map[string]models.CheckInRecord
	order   []string
	fail    func(rec models.CheckInRecord) error
	onCall  func(rec models.CheckInRecord)
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.CheckInRecord)}
}

func (s *fakeStore) Submit(ctx context.Context, rec models.CheckInRecord) (*remote.SubmitResult, error) {
	if s.onCall != nil {
		s.onCall(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, rec.TicketCode)

	if s.fail != nil {
		if err := s.fail(rec); err != nil {
			return nil, err
		}
	}
	if existing, ok := s.records[rec.InviteeID]; ok {
		return &remote.SubmitResult{OK: true, ID: existing.ID, Duplicate: true}, nil
	}
	s.records[rec.InviteeID] = rec
	return &remote.SubmitResult{OK: true, ID: rec.ID}, nil
}

func (s *fakeStore) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

var errOffline = errors.Wrap(errors.ErrRemoteUnavailable, "POST /api/checkins", stderrors.New("connection refused"))

type recordingHandler struct {
	mu        stdsync.Mutex
	started   []int
	completed []*SyncResult
}

func (h *recordingHandler) SyncStarted(total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, total)
}

func (h *recordingHandler) SyncCompleted(result *SyncResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, result)
}

// failingQueue fails reads.
type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) GetPendingCheckIns(ctx context.Context) ([]*models.PendingSyncRecord, error) {
	return nil, errors.Wrap(errors.ErrQueueOperation, "list pending check-ins", stderrors.New("database is locked"))
}

var baseScan = time.Date(2024, 12, 14, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, q queue.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := q.QueueCheckIn(context.Background(), models.CheckInRecord{
			ID:         fmt.Sprintf("rec-%d", i),
			InviteeID:  fmt.Sprintf("inv-%d", i),
			CeremonyID: "cer-1",
			TicketCode: fmt.Sprintf("T-%d", i),
			ScannedAt:  baseScan.Add(time.Duration(i) * time.Second),
			Source:     models.SourceScanner,
		})
		require.NoError(t, err)
	}
}

func testLogger(buf *bytes.Buffer) *logging.Logger {
	return logging.New(buf, logging.LevelDebug, logging.FormatJSON)
}

func pendingOf(t *testing.T, q queue.Store) []*models.PendingSyncRecord {
	t.Helper()
	p, err := q.GetPendingCheckIns(context.Background())
	require.NoError(t, err)
	return p
}

func TestSyncPending_EmptyQueueMakesNoCalls(t *testing.T) {
	store := newFakeStore()
	handler := &recordingHandler{}
	r := NewReconciler(queue.NewMemoryQueue(), store, &Config{Logger: testLogger(&bytes.Buffer{})})
	r.AddHandler(handler)

	result, err := r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Empty(t, store.submitted())
	assert.Empty(t, handler.started)
	assert.False(t, result.EndTime.Before(result.StartTime))
}

func TestSyncPending_Convergence(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 5)
	store := newFakeStore()
	// two were confirmed earlier without the station knowing
	store.records["inv-2"] = models.CheckInRecord{ID: "rec-2", InviteeID: "inv-2"}
	store.records["inv-4"] = models.CheckInRecord{ID: "rec-4", InviteeID: "inv-4"}

	handler := &recordingHandler{}
	r := NewReconciler(q, store, &Config{Logger: testLogger(&bytes.Buffer{})})
	r.AddHandler(handler)

	result, err := r.SyncPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 5, result.Synced)
	assert.Equal(t, 2, result.Duplicates)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Remaining())
	assert.Empty(t, pendingOf(t, q))
	assert.Len(t, store.records, 5)

	assert.Equal(t, []string{"T-1", "T-2", "T-3", "T-4", "T-5"}, store.submitted(), "queue order")
	assert.Equal(t, []int{5}, handler.started)
	require.Len(t, handler.completed, 1)
	assert.Same(t, result, handler.completed[0])
}

func TestSyncPending_SendsSamePayload(t *testing.T) {
	q := queue.NewMemoryQueue()
	rec := models.CheckInRecord{
		ID: "6ba7b810-9dad-41d1-80b4-00c04fd430c8", InviteeID: "inv-1", CeremonyID: "cer-1",
		TicketCode: "T-1", ScannedAt: baseScan, Source: models.SourceManual, Operator: "Gate C",
	}
	_, err := q.QueueCheckIn(context.Background(), rec)
	require.NoError(t, err)

	store := newFakeStore()
	_, err = NewReconciler(q, store, nil).SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec, store.records["inv-1"])
}

func TestSyncPending_FailureMarksRetryAndContinues(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 3)
	store := newFakeStore()
	store.fail = func(rec models.CheckInRecord) error {
		if rec.TicketCode == "T-2" {
			return errOffline
		}
		return nil
	}

	r := NewReconciler(q, store, &Config{Logger: testLogger(&bytes.Buffer{})})
	result, err := r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining())

	pending := pendingOf(t, q)
	require.Len(t, pending, 1)
	assert.Equal(t, "T-2", pending[0].TicketCode)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.NotNil(t, pending[0].LastTriedAt)
	assert.Contains(t, pending[0].LastError, "connection refused")

	// network restored
	store.fail = nil
	result, err = r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, pendingOf(t, q))
}

func TestSyncPending_RetryNeverDeletes(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 2)
	store := newFakeStore()
	store.fail = func(models.CheckInRecord) error {
		return errors.New(errors.ErrMalformedResponse, "decode response")
	}
	r := NewReconciler(q, store, nil)

	for pass := 1; pass <= 4; pass++ {
		_, err := r.SyncPending(context.Background())
		require.NoError(t, err)
		pending := pendingOf(t, q)
		require.Len(t, pending, 2)
		for _, p := range pending {
			assert.Equal(t, pass, p.RetryCount)
		}
	}
}

func TestSyncPending_RetryCeilingSurfacesStuck(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 2)
	store := newFakeStore()
	store.fail = func(rec models.CheckInRecord) error {
		if rec.TicketCode == "T-1" {
			return errOffline
		}
		return nil
	}
	var logs bytes.Buffer
	r := NewReconciler(q, store, &Config{RetryCeiling: 2, Logger: testLogger(&logs)})
	assert.Equal(t, 2, r.RetryCeiling())

	result, err := r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Stuck)

	result, err = r.SyncPending(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Stuck, 1)
	assert.Contains(t, result.Stuck[0], "T-1-")
	assert.Contains(t, logs.String(), "reached retry ceiling")

	// stuck records are still retried, never dropped
	result, err = r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Len(t, result.Stuck, 1)

	stuck, err := r.Stuck(context.Background())
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, 3, stuck[0].RetryCount)

	store.fail = nil
	_, err = r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pendingOf(t, q))
}

func TestStuck_NoCeiling(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 1)
	stuck, err := NewReconciler(q, newFakeStore(), nil).Stuck(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stuck)
}

func TestSyncPending_RecordsQueuedDuringPassWaitForNextPass(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 2)
	store := newFakeStore()

	var once stdsync.Once
	store.onCall = func(models.CheckInRecord) {
		once.Do(func() {
			_, err := q.QueueCheckIn(context.Background(), models.CheckInRecord{
				ID: "late", InviteeID: "inv-late", CeremonyID: "cer-1", TicketCode: "T-LATE",
				ScannedAt: baseScan, Source: models.SourceScanner,
			})
			require.NoError(t, err)
		})
	}

	r := NewReconciler(q, store, nil)
	result, err := r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)

	pending := pendingOf(t, q)
	require.Len(t, pending, 1)
	assert.Equal(t, "T-LATE", pending[0].TicketCode)
	assert.Zero(t, pending[0].RetryCount)

	result, err = r.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestSyncPending_Cancellation(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 4)
	store := newFakeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	store.onCall = func(models.CheckInRecord) {
		if calls.Add(1) == 2 {
			cancel()
		}
	}

	result, err := NewReconciler(q, store, nil).SyncPending(ctx)
	require.NoError(t, err)
	assert.True(t, result.Canceled)
	assert.Equal(t, 2, result.Attempted)

	pending := pendingOf(t, q)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Zero(t, p.RetryCount, "untouched records keep their retry count")
	}
}

func TestSyncPending_QueueReadFailure(t *testing.T) {
	store := newFakeStore()
	_, err := NewReconciler(failingQueue{queue.NewMemoryQueue()}, store, nil).SyncPending(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueOperation))
	assert.Empty(t, store.submitted())
}

func TestSyncPending_PassesAreSerialized(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, 3)
	store := newFakeStore()

	var inFlight, maxInFlight atomic.Int32
	store.onCall = func(models.CheckInRecord) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	}

	r := NewReconciler(q, store, nil)
	var wg stdsync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.SyncPending(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Len(t, store.submitted(), 3, "later passes see an empty queue")
	assert.Empty(t, pendingOf(t, q))
}

func TestScenario_OfflineScanSyncsOnReconnect(t *testing.T) {
	q := queue.NewMemoryQueue()
	_, err := q.QueueCheckIn(context.Background(), models.CheckInRecord{
		ID: "rec-a", InviteeID: "A", CeremonyID: "cer-1", TicketCode: "T-1",
		ScannedAt: baseScan, Source: models.SourceScanner,
	})
	require.NoError(t, err)

	pending := pendingOf(t, q)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)

	store := newFakeStore()
	_, err = NewReconciler(q, store, nil).SyncPending(context.Background())
	require.NoError(t, err)

	assert.Empty(t, pendingOf(t, q))
	require.Len(t, store.records, 1)
	assert.Equal(t, "T-1", store.records["A"].TicketCode)
}
