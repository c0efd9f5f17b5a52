package audit

import (
	"context"
	"sync"
	"time"

	"warden.org/internal/ids"
)

// Memory is an in-process Store guarded by a mutex. Suitable for tests and
// single-node deployments.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory audit store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, evt *Event) error {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *evt)
	return nil
}

func (m *Memory) Purge(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	removed := 0
	for _, e := range m.events {
		if e.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

// Events returns a copy of everything recorded so far, oldest first.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
