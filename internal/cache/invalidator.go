package cache

import (
	"context"

	"warden.org/internal/authz"
)

// Fanout forwards every invalidation to multiple targets, typically a local
// Memory cache plus the shared Redis cache. Targets handle their own
// failures; a dead target never blocks the others.
type Fanout []authz.Invalidator

var _ authz.Invalidator = (Fanout)(nil)

func (f Fanout) InvalidateUserOrg(ctx context.Context, userID, orgID string) {
	for _, t := range f {
		t.InvalidateUserOrg(ctx, userID, orgID)
	}
}

func (f Fanout) InvalidateUser(ctx context.Context, userID string) {
	for _, t := range f {
		t.InvalidateUser(ctx, userID)
	}
}

func (f Fanout) InvalidateOrg(ctx context.Context, orgID string) {
	for _, t := range f {
		t.InvalidateOrg(ctx, orgID)
	}
}

func (f Fanout) InvalidateOrgs(ctx context.Context, orgIDs []string) {
	for _, t := range f {
		t.InvalidateOrgs(ctx, orgIDs)
	}
}
