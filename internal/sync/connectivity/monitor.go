// Package connectivity tracks whether the check-in store is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"sync"

	"github.com/ceremonia/checkin/internal/metrics"
)

// Monitor holds the current online flag. Subscribers are called only on
// transitions, in registration order, outside the monitor lock.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
	order  []int
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
	metrics.Online.Set(boolGauge(online))
	return m
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and reports whether it changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.order))
	for _, id := range m.order {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	metrics.Online.Set(boolGauge(online))
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Subscribe registers fn for transitions. The returned function removes
// the subscription and may be called more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; !ok {
			return
		}
		delete(m.subs, id)
		for i, sub := range m.order {
			if sub == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
