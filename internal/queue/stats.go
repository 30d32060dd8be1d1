package queue

import (
	"context"
	"time"
)

// Stats summarizes the queue for status output.
type Stats struct {
	Total      int        `json:"total"`
	Retrying   int        `json:"retrying"`
	Stuck      int        `json:"stuck"`
	MaxRetries int        `json:"maxRetries"`
	OldestAt   *time.Time `json:"oldestQueuedAt,omitempty"`
}

// Summarize reads the queue once and aggregates it. Records at or over
// retryCeiling count as stuck; a ceiling of zero disables that count.
func Summarize(ctx context.Context, s Store, retryCeiling int) (Stats, error) {
	pending, err := s.GetPendingCheckIns(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, p := range pending {
		stats.Total++
		if p.RetryCount > 0 {
			stats.Retrying++
		}
		if p.ExceedsRetries(retryCeiling) {
			stats.Stuck++
		}
		if p.RetryCount > stats.MaxRetries {
			stats.MaxRetries = p.RetryCount
		}
		if stats.OldestAt == nil || p.QueuedAt.Before(*stats.OldestAt) {
			t := p.QueuedAt
			stats.OldestAt = &t
		}
	}
	return stats, nil
}
