package cache

import (
	"context"
	"testing"
	"time"

	"warden.org/internal/authz"
)

func testSet(userID, orgID string) *authz.ResolvedSet {
	return &authz.ResolvedSet{
		UserID:         userID,
		OrganizationID: orgID,
		Permissions:    map[string]authz.ResolvedPermission{},
	}
}

func TestMemoryGetSet(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "u1", "o1"); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	c.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	set, ok := c.Get(ctx, "u1", "o1")
	if !ok || set.UserID != "u1" || set.OrganizationID != "o1" {
		t.Fatalf("get = %v ok=%v", set, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	if _, ok := c.Get(ctx, "u1", "o1"); !ok {
		t.Fatalf("fresh entry missed")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "u1", "o1"); ok {
		t.Fatalf("expired entry served")
	}
	// GC removes the stale entry and its index rows.
	if removed := c.GC(ctx); removed != 1 {
		t.Fatalf("gc removed %d", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("len after gc = %d", c.Len())
	}
}

func TestMemoryInvalidation(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	c.Set(ctx, "u1", "o2", testSet("u1", "o2"), time.Minute)
	c.Set(ctx, "u2", "o1", testSet("u2", "o1"), time.Minute)

	c.InvalidateUserOrg(ctx, "u1", "o1")
	if _, ok := c.Get(ctx, "u1", "o1"); ok {
		t.Fatalf("pair not invalidated")
	}
	if _, ok := c.Get(ctx, "u1", "o2"); !ok {
		t.Fatalf("unrelated pair dropped")
	}

	c.InvalidateUser(ctx, "u1")
	if _, ok := c.Get(ctx, "u1", "o2"); ok {
		t.Fatalf("user entries survive user invalidation")
	}
	if _, ok := c.Get(ctx, "u2", "o1"); !ok {
		t.Fatalf("other user dropped")
	}

	c.InvalidateOrg(ctx, "o1")
	if _, ok := c.Get(ctx, "u2", "o1"); ok {
		t.Fatalf("org entries survive org invalidation")
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestMemoryFlushAndOrgsFanout(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	c.Set(ctx, "u2", "o2", testSet("u2", "o2"), time.Minute)

	c.InvalidateOrgs(ctx, []string{"o1", "o2"})
	if c.Len() != 0 {
		t.Fatalf("len after orgs invalidation = %d", c.Len())
	}

	c.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	c.Flush(ctx)
	if c.Len() != 0 {
		t.Fatalf("len after flush = %d", c.Len())
	}
}

func TestFanoutForwardsToAllTargets(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory(), NewMemory()
	a.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)
	b.Set(ctx, "u1", "o1", testSet("u1", "o1"), time.Minute)

	fan := Fanout{a, b}
	fan.InvalidateUserOrg(ctx, "u1", "o1")
	if a.Len() != 0 || b.Len() != 0 {
		t.Fatalf("fanout missed a target: a=%d b=%d", a.Len(), b.Len())
	}
}
