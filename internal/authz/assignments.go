package authz

import (
	"context"
	"fmt"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
)

// Assignments is the role assignment ledger. Assignments are created active
// and leave that state through explicit revocation or the expiry sweep; rows
// are never deleted.
type Assignments struct {
	store Store
	inval Invalidator
	now   func() time.Time
}

// NewAssignments wires the ledger service.
func NewAssignments(store Store, inval Invalidator, now func() time.Time) *Assignments {
	if inval == nil {
		inval = NopInvalidator{}
	}
	if now == nil {
		now = time.Now
	}
	return &Assignments{store: store, inval: inval, now: now}
}

// AssignRoleInput describes a grant.
type AssignRoleInput struct {
	UserID         string
	RoleID         string
	OrganizationID string
	ExpiresAt      *time.Time // optional, must be strictly in the future
	Conditions     map[string]string
	ActorID        string
}

// AssignRole grants a role to a user within an organization after the full
// validation chain: active user, active assignable role owned by the target
// organization, active membership, no duplicate active triple, future expiry.
func (l *Assignments) AssignRole(ctx context.Context, in AssignRoleInput) (*Assignment, error) {
	now := l.now().UTC()
	if !ids.Valid(in.UserID) || !ids.Valid(in.RoleID) || !ids.Valid(in.OrganizationID) {
		return nil, fmt.Errorf("%w: user, role and organization ids are required", ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	user, err := l.store.Users(ctx).Find(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: user is inactive", ErrNotFound)
	}
	role, err := l.store.Roles(ctx).Find(ctx, in.RoleID)
	if err != nil {
		return nil, fmt.Errorf("%w: role", ErrNotFound)
	}
	if !role.IsActive {
		return nil, fmt.Errorf("%w: role is inactive", ErrNotFound)
	}
	if !role.IsAssignable {
		return nil, fmt.Errorf("%w: role is not assignable", ErrInvalidInput)
	}
	if role.OrganizationID != in.OrganizationID {
		return nil, fmt.Errorf("%w: role belongs to a different organization", ErrInvalidInput)
	}
	mem, err := l.store.Memberships(ctx).Find(ctx, in.UserID, in.OrganizationID)
	if err != nil || mem.Status != MembershipActive {
		return nil, fmt.Errorf("%w: user is not an active member of the organization", ErrInvalidInput)
	}

	a := &Assignment{
		ID:             ids.New(),
		UserID:         in.UserID,
		RoleID:         in.RoleID,
		OrganizationID: in.OrganizationID,
		GrantedAt:      now,
		ExpiresAt:      in.ExpiresAt,
		Conditions:     in.Conditions,
		IsActive:       true,
	}
	details := map[string]any{"role_id": in.RoleID, "role_name": role.Name}
	if in.ExpiresAt != nil {
		details["expires_at"] = in.ExpiresAt.UTC().Format(time.RFC3339)
	}
	evt := &audit.Event{
		EventType:    "role.assigned",
		Category:     audit.CategoryAssignment,
		ActorUserID:  in.ActorID,
		ActorOrgID:   in.OrganizationID,
		ResourceType: "assignment",
		ResourceID:   a.ID,
		Action:       "assign",
		Result:       audit.ResultSuccess,
		Details:      details,
	}
	if err := l.store.Assignments(ctx).Create(ctx, a, evt); err != nil {
		return nil, err
	}
	l.inval.InvalidateUserOrg(ctx, in.UserID, in.OrganizationID)
	return a, nil
}

// RevokeRole deactivates the active assignment for the triple, recording the
// reason and actor in the row's metadata. Revoking an assignment that is not
// active fails with ErrNotFound.
func (l *Assignments) RevokeRole(ctx context.Context, userID, roleID, orgID, reason, actorID string) error {
	a, err := l.store.Assignments(ctx).FindActive(ctx, userID, roleID, orgID)
	if err != nil {
		return fmt.Errorf("%w: no active assignment to revoke", ErrNotFound)
	}
	now := l.now().UTC()
	meta := map[string]string{
		MetaRevokedReason: reason,
		MetaRevokedBy:     actorID,
		MetaRevokedAt:     now.Format(time.RFC3339),
	}
	evt := &audit.Event{
		EventType:    "role.revoked",
		Category:     audit.CategoryAssignment,
		ActorUserID:  actorID,
		ActorOrgID:   orgID,
		ResourceType: "assignment",
		ResourceID:   a.ID,
		Action:       "revoke",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"role_id": roleID, "user_id": userID, "reason": reason},
	}
	if err := l.store.Assignments(ctx).Deactivate(ctx, a.ID, meta, evt); err != nil {
		return err
	}
	l.inval.InvalidateUserOrg(ctx, userID, orgID)
	return nil
}

// UserOrg identifies one invalidated (user, organization) pair.
type UserOrg struct {
	UserID         string
	OrganizationID string
}

// ExpireResult reports one sweep run.
type ExpireResult struct {
	Expired  int
	Affected []UserOrg
}

// ExpireRoles deactivates every assignment whose expiry has passed. The sweep
// is idempotent: a second run over the same state expires nothing. Affected
// pairs are returned and their cached resolutions dropped.
func (l *Assignments) ExpireRoles(ctx context.Context) (ExpireResult, error) {
	now := l.now().UTC()
	evt := &audit.Event{
		EventType:    "assignments.expired",
		Category:     audit.CategorySweep,
		ResourceType: "assignment",
		Action:       "expire",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"cutoff": now.Format(time.RFC3339)},
	}
	expired, err := l.store.Assignments(ctx).ExpireBefore(ctx, now, evt)
	if err != nil {
		return ExpireResult{}, err
	}
	res := ExpireResult{Expired: len(expired)}
	seen := make(map[UserOrg]struct{}, len(expired))
	for _, a := range expired {
		pair := UserOrg{UserID: a.UserID, OrganizationID: a.OrganizationID}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		res.Affected = append(res.Affected, pair)
		l.inval.InvalidateUserOrg(ctx, pair.UserID, pair.OrganizationID)
	}
	return res, nil
}
