package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/obs"
)

// Resolver computes effective permission sets for (user, organization)
// pairs, applying hierarchy inheritance and precedence rules. It always reads
// live store state; the Engine layers caching on top.
//
// Errors from the read path always come with a denying Decision, so callers
// that ignore the error still fail closed.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver wires the resolution engine.
func NewResolver(store Store, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// Resolve computes the effective permission set. Precedence: a direct grant
// always beats an inherited one for the same key regardless of priority;
// within one source the higher-priority role wins, ties broken by role id.
func (r *Resolver) Resolve(ctx context.Context, userID, orgID string, opts ResolveOptions) (*ResolvedSet, error) {
	start := time.Now()
	defer obs.ObserveResolution(start)

	org, err := r.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: organization", ErrNotFound)
	}
	if !org.Active {
		return nil, fmt.Errorf("%w: organization is inactive", ErrNotFound)
	}

	now := r.now().UTC()
	set := &ResolvedSet{
		UserID:         userID,
		OrganizationID: orgID,
		Permissions:    make(map[string]ResolvedPermission),
		ResolvedAt:     now,
	}

	direct, err := r.gather(ctx, userID, org, SourceDirect, now)
	if err != nil {
		return nil, err
	}
	for _, p := range direct {
		mergeGrant(set.Permissions, p)
	}

	if opts.IncludeInherited {
		ancestors, err := r.activeAncestors(ctx, org)
		if err != nil {
			return nil, err
		}
		for _, anc := range ancestors {
			inherited, err := r.gather(ctx, userID, anc, SourceInherited, now)
			if err != nil {
				return nil, err
			}
			for _, p := range inherited {
				mergeGrant(set.Permissions, p)
			}
		}
	}

	if opts.Prefix != "" {
		for key := range set.Permissions {
			if !MatchesPrefix(key, opts.Prefix) {
				delete(set.Permissions, key)
			}
		}
	}
	return set, nil
}

// CheckPermission answers a single yes/no question, testing the cheap direct
// path before touching ancestors. A denial is a normal result carrying a
// machine-readable reason, never an error.
func (r *Resolver) CheckPermission(ctx context.Context, userID, orgID, permission string, includeInherited bool) (Decision, error) {
	org, err := r.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil || !org.Active {
		d := Deny(permission, ReasonOrganizationNotFound)
		r.auditCheck(ctx, userID, orgID, d)
		return d, nil
	}
	now := r.now().UTC()

	direct, err := r.gather(ctx, userID, org, SourceDirect, now)
	if err != nil {
		return Deny(permission, ReasonPermissionDenied), err
	}
	bestDirect := ResolvedPermission{}
	foundDirect := false
	for _, p := range direct {
		if p.Key != permission {
			continue
		}
		if !foundDirect || betterGrant(p, bestDirect) {
			bestDirect = p
			foundDirect = true
		}
	}
	if foundDirect {
		d := Decision{
			Allowed:        true,
			Permission:     permission,
			Source:         SourceDirect,
			RoleID:         bestDirect.RoleID,
			OrganizationID: bestDirect.OrganizationID,
		}
		r.auditCheck(ctx, userID, orgID, d)
		return d, nil
	}

	if includeInherited {
		ancestors, err := r.activeAncestors(ctx, org)
		if err != nil {
			return Deny(permission, ReasonPermissionDenied), err
		}
		best := ResolvedPermission{}
		found := false
		for _, anc := range ancestors {
			inherited, err := r.gather(ctx, userID, anc, SourceInherited, now)
			if err != nil {
				return Deny(permission, ReasonPermissionDenied), err
			}
			for _, p := range inherited {
				if p.Key != permission {
					continue
				}
				if !found || betterGrant(p, best) {
					best = p
					found = true
				}
			}
		}
		if found {
			d := Decision{
				Allowed:        true,
				Permission:     permission,
				Source:         SourceInherited,
				RoleID:         best.RoleID,
				OrganizationID: best.OrganizationID,
			}
			r.auditCheck(ctx, userID, orgID, d)
			return d, nil
		}
	}

	d := Deny(permission, ReasonPermissionDenied)
	r.auditCheck(ctx, userID, orgID, d)
	return d, nil
}

// CheckPermissionsBulk answers one Decision per requested permission in input
// order, resolving the grant sets once instead of per permission. Empty input
// yields an empty result.
func (r *Resolver) CheckPermissionsBulk(ctx context.Context, userID, orgID string, permissions []string, includeInherited bool) ([]Decision, error) {
	if len(permissions) == 0 {
		return []Decision{}, nil
	}
	set, err := r.Resolve(ctx, userID, orgID, ResolveOptions{IncludeInherited: includeInherited})
	if err != nil {
		out := make([]Decision, len(permissions))
		reason := ReasonPermissionDenied
		if isNotFound(err) {
			reason = ReasonOrganizationNotFound
			err = nil
		}
		for i, perm := range permissions {
			out[i] = Deny(perm, reason)
		}
		r.auditBulk(ctx, userID, orgID, out)
		return out, err
	}
	out := make([]Decision, len(permissions))
	for i, perm := range permissions {
		out[i] = DecisionFromSet(set, perm, includeInherited)
	}
	r.auditBulk(ctx, userID, orgID, out)
	return out, nil
}

// DecisionFromSet evaluates a single permission against an already resolved
// set, honoring the inherited flag. Used by the cached read path.
func DecisionFromSet(set *ResolvedSet, permission string, includeInherited bool) Decision {
	p, ok := set.Lookup(permission, includeInherited)
	if !ok {
		return Deny(permission, ReasonPermissionDenied)
	}
	return Decision{
		Allowed:        true,
		Permission:     permission,
		Source:         p.Source,
		RoleID:         p.RoleID,
		OrganizationID: p.OrganizationID,
	}
}

// gather expands the user's live assignments in one organization into grant
// candidates. Inherited gathering only considers inheritable roles.
func (r *Resolver) gather(ctx context.Context, userID string, org *Organization, source GrantSource, now time.Time) ([]ResolvedPermission, error) {
	assignments, err := r.store.Assignments(ctx).ListActiveByUserOrg(ctx, userID, org.ID)
	if err != nil {
		return nil, err
	}
	var out []ResolvedPermission
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		role, err := r.store.Roles(ctx).Find(ctx, a.RoleID)
		if err != nil {
			continue
		}
		if !role.IsActive || !role.IsAssignable {
			continue
		}
		if source == SourceInherited && !role.IsInheritable {
			continue
		}
		grants, err := r.store.Permissions(ctx).GrantsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			out = append(out, ResolvedPermission{
				Key:            g.PermissionKey,
				Source:         source,
				RoleID:         role.ID,
				RoleName:       role.Name,
				OrganizationID: org.ID,
				Priority:       role.Priority,
				ExpiresAt:      a.ExpiresAt,
				Conditions:     g.Conditions,
			})
		}
	}
	return out, nil
}

// activeAncestors returns the active strict ancestors of org, derived from
// its materialized path, root first.
func (r *Resolver) activeAncestors(ctx context.Context, org *Organization) ([]*Organization, error) {
	segments := PathSegments(org.Path)
	if len(segments) <= 1 {
		return nil, nil
	}
	orgs := r.store.Organizations(ctx)
	out := make([]*Organization, 0, len(segments)-1)
	path := ""
	for _, seg := range segments[:len(segments)-1] {
		path = ChildPath(path, seg)
		anc, err := orgs.FindByPath(ctx, path)
		if err != nil {
			continue // gap in the forest, nothing to inherit from
		}
		if anc.Active {
			out = append(out, anc)
		}
	}
	return out, nil
}

// mergeGrant keeps the winning grant per key.
func mergeGrant(into map[string]ResolvedPermission, p ResolvedPermission) {
	cur, ok := into[p.Key]
	if !ok || betterGrant(p, cur) {
		into[p.Key] = p
	}
}

// betterGrant implements the precedence order: direct beats inherited, then
// priority, then role id for determinism.
func betterGrant(a, b ResolvedPermission) bool {
	if a.Source != b.Source {
		return a.Source == SourceDirect
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.RoleID < b.RoleID
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (r *Resolver) auditCheck(ctx context.Context, userID, orgID string, d Decision) {
	result := audit.ResultFailure
	if d.Allowed {
		result = audit.ResultSuccess
	}
	obs.ObservePermissionCheck(result, string(d.Source))
	audit.BestEffort(ctx, r.store.Audit(ctx), &audit.Event{
		EventType:    "permission.checked",
		Category:     audit.CategoryResolution,
		ActorUserID:  userID,
		ActorOrgID:   orgID,
		ResourceType: "permission",
		ResourceID:   d.Permission,
		Action:       "check",
		Result:       result,
		Details:      map[string]any{"allowed": d.Allowed, "reason": d.Reason, "source": string(d.Source)},
	})
}

func (r *Resolver) auditBulk(ctx context.Context, userID, orgID string, decisions []Decision) {
	allowed := 0
	for _, d := range decisions {
		if d.Allowed {
			allowed++
		}
	}
	audit.BestEffort(ctx, r.store.Audit(ctx), &audit.Event{
		EventType:    "permission.bulk_checked",
		Category:     audit.CategoryResolution,
		ActorUserID:  userID,
		ActorOrgID:   orgID,
		ResourceType: "permission",
		Action:       "bulk_check",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"requested": len(decisions), "allowed": allowed},
	})
}
