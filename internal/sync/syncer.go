// Package sync reconciles the local check-in queue with the check-in store.
package sync

import (
	"context"
	"time"
)

// Syncer runs sync passes. The scheduler depends on this interface so
// tests can substitute the reconciler.
type Syncer interface {
	// SyncPending drains the queue once and reports what happened.
	SyncPending(ctx context.Context) (*SyncResult, error)
}

// EventHandler receives sync pass notifications.
type EventHandler interface {
	SyncStarted(total int)
	SyncCompleted(result *SyncResult)
}

// SyncResult represents the result of one sync pass.
type SyncResult struct {
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
	Duration   time.Duration `json:"duration"`
	Attempted  int           `json:"attempted"`
	Synced     int           `json:"synced"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Stuck      []string      `json:"stuck,omitempty"`
	Canceled   bool          `json:"canceled,omitempty"`
}

// Remaining returns how many records of the pass snapshot are still queued.
func (r *SyncResult) Remaining() int {
	return r.Attempted - r.Synced
}
