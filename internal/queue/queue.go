// Package queue provides the local durable queue of check-ins whose remote
// write could not be confirmed.
package queue

import (
	"context"
	"time"

	"github.com/ceremonia/checkin/internal/models"
)

// Store is the local queue shared by the recorder and the reconciler. Each
// operation is atomic with respect to the others.
type Store interface {
	// QueueCheckIn upserts rec under its derived key. Overwriting an
	// existing entry resets its retry count and keeps its queue position.
	QueueCheckIn(ctx context.Context, rec models.CheckInRecord) (*models.PendingSyncRecord, error)

	// GetPendingCheckIns returns every queued record in insertion order.
	GetPendingCheckIns(ctx context.Context) ([]*models.PendingSyncRecord, error)

	// DeletePendingCheckIn removes a confirmed record. Absent ids are ignored.
	DeletePendingCheckIn(ctx context.Context, id string) error

	// MarkRetry increments the retry count, stamps the attempt time and
	// records cause. Absent ids are ignored.
	MarkRetry(ctx context.Context, id string, cause error) error

	// Count returns the number of queued records.
	Count(ctx context.Context) (int, error)
}

// Option configures a queue implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for queued and retry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func causeText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
