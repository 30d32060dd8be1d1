package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	"github.com/ceremonia/checkin/internal/remote"
)

// Config holds reconciler settings.
type Config struct {
	// RetryCeiling marks records with at least this many failed attempts as
	// stuck. Stuck records are still retried. Zero disables the ceiling.
	RetryCeiling int
	Now          func() time.Time
	Logger       *logging.Logger
}

// Reconciler drains the local queue against the store.
type Reconciler struct {
	queue  queue.Store
	remote remote.Submitter
	cfg    Config

	// passMu serializes passes; a second caller waits for the first.
	passMu stdsync.Mutex

	handlersMu stdsync.RWMutex
	handlers   []EventHandler
}

var _ Syncer = (*Reconciler)(nil)

// NewReconciler creates a Reconciler.
func NewReconciler(q queue.Store, submitter remote.Submitter, config *Config) *Reconciler {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	return &Reconciler{queue: q, remote: submitter, cfg: cfg}
}

// AddHandler registers h for pass notifications.
func (r *Reconciler) AddHandler(h EventHandler) {
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlersMu.Unlock()
}

func (r *Reconciler) eventHandlers() []EventHandler {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return r.handlers
}

// SyncPending runs one pass over a snapshot of the queue. Records are
// submitted one at a time in queue order; confirmed records (including
// store duplicates) are deleted and failed ones are retry-marked. Records
// queued while the pass runs wait for the next pass.
//
// The only error returned is a failure to read the queue. Cancelling ctx
// stops the pass before the next record.
func (r *Reconciler) SyncPending(ctx context.Context) (*SyncResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	result := &SyncResult{StartTime: r.cfg.Now()}
	defer func() {
		result.EndTime = r.cfg.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	pending, err := r.queue.GetPendingCheckIns(ctx)
	if err != nil {
		r.cfg.Logger.ErrorWithCode("Failed to read pending check-ins", string(errors.CodeOf(err)), err)
		return nil, err
	}
	if len(pending) == 0 {
		metrics.QueueDepth.Set(0)
		return result, nil
	}

	handlers := r.eventHandlers()
	for _, h := range handlers {
		h.SyncStarted(len(pending))
	}

	r.cfg.Logger.Info("Sync pass started", map[string]interface{}{"pending": len(pending)})

	// Queue writes finish even when the pass is being cancelled.
	qctx := context.WithoutCancel(ctx)

	for _, p := range pending {
		if ctx.Err() != nil {
			result.Canceled = true
			break
		}
		result.Attempted++

		res, err := r.remote.Submit(ctx, p.CheckIn())
		if err != nil {
			r.retry(qctx, p, err, result)
			continue
		}

		result.Synced++
		if res.Duplicate {
			result.Duplicates++
		}
		metrics.SyncRecordsTotal.WithLabelValues("synced").Inc()

		if err := r.queue.DeletePendingCheckIn(qctx, p.ID); err != nil {
			// The record stays queued and is resubmitted next pass; the store
			// answers it as a duplicate.
			r.cfg.Logger.ErrorWithCode("Failed to delete synced check-in", string(errors.ErrQueueOperation), err,
				map[string]interface{}{"pending_id": p.ID})
		}
	}

	metrics.SyncPassesTotal.Inc()
	metrics.StuckRecords.Set(float64(len(result.Stuck)))
	if n, err := r.queue.Count(qctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}

	r.cfg.Logger.Info("Sync pass completed", map[string]interface{}{
		"attempted":  result.Attempted,
		"synced":     result.Synced,
		"duplicates": result.Duplicates,
		"failed":     result.Failed,
		"stuck":      len(result.Stuck),
		"canceled":   result.Canceled,
	})

	result.EndTime = r.cfg.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	for _, h := range handlers {
		h.SyncCompleted(result)
	}
	return result, nil
}

func (r *Reconciler) retry(ctx context.Context, p *models.PendingSyncRecord, cause error, result *SyncResult) {
	result.Failed++
	metrics.SyncRecordsTotal.WithLabelValues("failed").Inc()

	fields := map[string]interface{}{
		"pending_id":  p.ID,
		"invitee_id":  p.InviteeID,
		"retry_count": p.RetryCount + 1,
	}

	if err := r.queue.MarkRetry(ctx, p.ID, cause); err != nil {
		r.cfg.Logger.ErrorWithCode("Failed to mark check-in for retry", string(errors.ErrQueueOperation), err, fields)
	} else {
		r.cfg.Logger.Debug("Check-in sync failed, will retry", fields, map[string]interface{}{
			"error": cause.Error(),
		})
	}

	if r.cfg.RetryCeiling > 0 && p.RetryCount+1 >= r.cfg.RetryCeiling {
		result.Stuck = append(result.Stuck, p.ID)
		r.cfg.Logger.Warn("Check-in reached retry ceiling and needs operator review", fields, map[string]interface{}{
			"retry_ceiling": r.cfg.RetryCeiling,
			"last_error":    cause.Error(),
		})
	}
}

// Stuck lists queued records at or over the retry ceiling. It returns nil
// when no ceiling is configured.
func (r *Reconciler) Stuck(ctx context.Context) ([]*models.PendingSyncRecord, error) {
	if r.cfg.RetryCeiling <= 0 {
		return nil, nil
	}
	pending, err := r.queue.GetPendingCheckIns(ctx)
	if err != nil {
		return nil, err
	}
	var stuck []*models.PendingSyncRecord
	for _, p := range pending {
		if p.ExceedsRetries(r.cfg.RetryCeiling) {
			stuck = append(stuck, p)
		}
	}
	return stuck, nil
}

// RetryCeiling returns the configured ceiling; zero means none.
func (r *Reconciler) RetryCeiling() int {
	return r.cfg.RetryCeiling
}
