package revocation

import (
	"context"
	"sync"
	"time"

	"warden.org/internal/audit"
)

// Entry is one blacklist row. An entry is logically absent once ExpiresAt has
// passed; physical removal happens in CleanupExpired.
type Entry struct {
	TokenID        string
	UserID         string
	OrganizationID string
	Reason         string
	RevokedAt      time.Time
	ExpiresAt      time.Time
}

// Live reports whether the entry still blocks at the given instant.
func (e *Entry) Live(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// Store persists blacklist entries. Upsert and DeleteExpired commit together
// with their audit event, or not at all.
type Store interface {
	Upsert(ctx context.Context, e *Entry, evt *audit.Event) error
	Find(ctx context.Context, tokenID string) (*Entry, error)
	DeleteExpired(ctx context.Context, now time.Time, evt *audit.Event) (int, error)
}

// Memory is an in-process Store. Reads hold only a short read lock, keeping
// the blacklist check path cheap under concurrent validation traffic.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	audit   audit.Store
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store writing audit events to auditStore.
func NewMemory(auditStore audit.Store) *Memory {
	return &Memory{entries: make(map[string]*Entry), audit: auditStore}
}

func (m *Memory) Upsert(ctx context.Context, e *Entry, evt *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.TokenID] = &cp
	return m.appendAudit(ctx, evt)
}

func (m *Memory) Find(ctx context.Context, tokenID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) DeleteExpired(ctx context.Context, now time.Time, evt *audit.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for tokenID, e := range m.entries {
		if !e.Live(now) {
			delete(m.entries, tokenID)
			removed++
		}
	}
	if removed > 0 {
		if err := m.appendAudit(ctx, evt); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (m *Memory) appendAudit(ctx context.Context, evt *audit.Event) error {
	if evt == nil || m.audit == nil {
		return nil
	}
	return m.audit.Append(ctx, evt)
}
