package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ceremonia/checkin/internal/models"
)

// MemoryQueue is a non-durable Store. Queued check-ins are lost when the
// process exits; it exists for tests and for stations run with
// queue_backend: memory.
type MemoryQueue struct {
	items map[string]*models.PendingSyncRecord
	order []string
	mu    sync.RWMutex
	now   func() time.Time
}

var _ Store = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{
		items: make(map[string]*models.PendingSyncRecord),
		now:   o.now,
	}
}

// QueueCheckIn implements Store.
func (q *MemoryQueue) QueueCheckIn(ctx context.Context, rec models.CheckInRecord) (*models.PendingSyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := models.NewPending(rec, q.now())

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[p.ID]; !ok {
		q.order = append(q.order, p.ID)
	}
	q.items[p.ID] = p

	out := *p
	return &out, nil
}

// GetPendingCheckIns implements Store.
func (q *MemoryQueue) GetPendingCheckIns(ctx context.Context) ([]*models.PendingSyncRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	pending := make([]*models.PendingSyncRecord, 0, len(q.order))
	for _, id := range q.order {
		// Return a copy to avoid external modification
		p := *q.items[id]
		if p.LastTriedAt != nil {
			t := *p.LastTriedAt
			p.LastTriedAt = &t
		}
		pending = append(pending, &p)
	}
	return pending, nil
}

// DeletePendingCheckIn implements Store.
func (q *MemoryQueue) DeletePendingCheckIn(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return nil
	}
	delete(q.items, id)
	for i, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// MarkRetry implements Store.
func (q *MemoryQueue) MarkRetry(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.items[id]
	if !ok {
		return nil
	}
	now := models.ScanTime(q.now())
	p.RetryCount++
	p.LastTriedAt = &now
	p.LastError = causeText(cause)
	return nil
}

// Count implements Store.
func (q *MemoryQueue) Count(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items), nil
}

// GetStats returns queue statistics keyed by "total", "never_tried" and "retrying".
func (q *MemoryQueue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":       0,
		"never_tried": 0,
		"retrying":    0,
	}
	for _, p := range q.items {
		stats["total"]++
		if p.RetryCount == 0 {
			stats["never_tried"]++
		} else {
			stats["retrying"]++
		}
	}
	return stats
}
