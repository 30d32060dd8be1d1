// Package scheduler decides when the reconciler runs: on every
// offline-to-online transition, at start-up when already online, on demand,
// and optionally on a fixed interval while online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/queue"
	syncpkg "github.com/ceremonia/checkin/internal/sync"
	"github.com/ceremonia/checkin/internal/sync/connectivity"
)

// Scheduler runs sync passes from a single loop goroutine, so passes it
// starts never overlap. Triggers that arrive while a pass is queued or
// running collapse into one follow-up pass.
type Scheduler struct {
	syncer       syncpkg.Syncer
	queue        queue.Store
	monitor      *connectivity.Monitor
	syncInterval time.Duration
	passTimeout  time.Duration
	logger       *logging.Logger

	trigger     chan struct{}
	stopCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	inFlight     int
	lastSyncTime time.Time
	lastResult   *syncpkg.SyncResult
	lastError    string
	passes       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic pass while online; 0 disables
	PassTimeout  time.Duration // upper bound of one pass
	Logger       *logging.Logger
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PassTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. q may be nil; it is only read for
// status reporting.
func NewScheduler(syncer syncpkg.Syncer, q queue.Store, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Get()
	}

	return &Scheduler{
		syncer:       syncer,
		queue:        q,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

// Start subscribes to connectivity changes and starts the pass loop. If the
// monitor already reports online, an initial pass is triggered.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.unsubscribe = s.monitor.Subscribe(func(online bool) {
		if online {
			s.logger.Info("Connectivity regained, scheduling sync", nil)
			s.Trigger()
		}
	})

	if s.monitor.Online() {
		s.Trigger()
	}

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	s.logger.Info("Sync scheduler started", map[string]interface{}{
		"sync_interval_seconds": s.syncInterval.Seconds(),
		"online":                s.monitor.Online(),
	})
}

// Stop deregisters the connectivity subscription and waits for the loop,
// including a pass in flight, to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	s.unsubscribe()
	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("Sync scheduler stopped", nil)
}

// Trigger requests a pass. It never blocks and reports false when a
// request is already waiting.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.syncInterval > 0 {
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.trigger:
			s.runPass(ctx, "trigger")
		case <-tick:
			if !s.monitor.Online() {
				continue
			}
			s.runPass(ctx, "interval")
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, reason string) {
	result, err := s.pass(ctx)
	if err != nil {
		s.logger.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	s.logger.Debug("Scheduled sync pass finished", map[string]interface{}{
		"reason":    reason,
		"attempted": result.Attempted,
		"synced":    result.Synced,
	})
}

func (s *Scheduler) pass(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	passCtx := ctx
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	result, err := s.syncer.SyncPending(passCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes++
	if err != nil {
		s.lastError = err.Error()
		return nil, err
	}
	s.lastError = ""
	s.lastSyncTime = time.Now()
	s.lastResult = result
	return result, nil
}

// SyncNow runs a pass in the caller's goroutine and returns its result.
// It waits for any pass already running.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.pass(ctx)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"running"`
	IsOnline       bool                `json:"online"`
	SyncInProgress bool                `json:"syncInProgress"`
	LastSyncTime   *time.Time          `json:"lastSyncTime,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"lastResult,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
	Passes         int                 `json:"passes"`
	PendingItems   int                 `json:"pendingItems"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.Online(),
		SyncInProgress: s.inFlight > 0,
		LastResult:     s.lastResult,
		LastError:      s.lastError,
		Passes:         s.passes,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if s.queue != nil {
		if n, err := s.queue.Count(context.Background()); err == nil {
			status.PendingItems = n
		}
	}
	return status
}

// IsOnline returns whether the store is currently reachable.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
