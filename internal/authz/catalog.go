package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
)

// Catalog manages roles and the global permission catalog.
type Catalog struct {
	store Store
	inval Invalidator
	now   func() time.Time
}

// NewCatalog wires the catalog service.
func NewCatalog(store Store, inval Invalidator, now func() time.Time) *Catalog {
	if inval == nil {
		inval = NopInvalidator{}
	}
	if now == nil {
		now = time.Now
	}
	return &Catalog{store: store, inval: inval, now: now}
}

// EnsurePermissions registers catalog entries idempotently, validating every
// key first.
func (c *Catalog) EnsurePermissions(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if err := ValidatePermissionKey(p.Key); err != nil {
			return err
		}
	}
	return c.store.Permissions(ctx).Ensure(ctx, perms)
}

// ListPermissions returns the global catalog.
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.store.Permissions(ctx).List(ctx)
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	OrganizationID string
	Name           string
	Description    string
	Priority       int
	IsInheritable  bool
	ActorID        string
}

// CreateRole adds a role to an organization. Names are unique per
// organization; new roles start active and assignable.
func (c *Catalog) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	org, err := c.store.Organizations(ctx).Find(ctx, in.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("%w: organization", ErrNotFound)
	}
	if !org.Active {
		return nil, fmt.Errorf("%w: organization is inactive", ErrNotFound)
	}

	role := &Role{
		ID:             ids.New(),
		OrganizationID: in.OrganizationID,
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		Priority:       in.Priority,
		IsInheritable:  in.IsInheritable,
		IsAssignable:   true,
		IsActive:       true,
	}
	evt := &audit.Event{
		EventType:    "role.created",
		Category:     audit.CategoryCatalog,
		ActorUserID:  in.ActorID,
		ActorOrgID:   in.OrganizationID,
		ResourceType: "role",
		ResourceID:   role.ID,
		Action:       "create",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"name": name, "priority": in.Priority, "inheritable": in.IsInheritable},
	}
	if err := c.store.Roles(ctx).Create(ctx, role, evt); err != nil {
		return nil, err
	}
	return role, nil
}

// RoleUpdate carries optional role field changes.
type RoleUpdate struct {
	Name          *string
	Description   *string
	Priority      *int
	IsInheritable *bool
	IsAssignable  *bool
	IsActive      *bool
}

// UpdateRole applies the update and invalidates cached resolutions for every
// user holding the role when resolution-relevant flags change.
func (c *Catalog) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate, actorID string) (*Role, error) {
	role, err := c.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	affectsResolution := false
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Priority != nil && *upd.Priority != role.Priority {
		role.Priority = *upd.Priority
		affectsResolution = true
	}
	if upd.IsInheritable != nil && *upd.IsInheritable != role.IsInheritable {
		role.IsInheritable = *upd.IsInheritable
		affectsResolution = true
	}
	if upd.IsAssignable != nil && *upd.IsAssignable != role.IsAssignable {
		role.IsAssignable = *upd.IsAssignable
		affectsResolution = true
	}
	if upd.IsActive != nil && *upd.IsActive != role.IsActive {
		role.IsActive = *upd.IsActive
		affectsResolution = true
	}

	evt := &audit.Event{
		EventType:    "role.updated",
		Category:     audit.CategoryCatalog,
		ActorUserID:  actorID,
		ActorOrgID:   role.OrganizationID,
		ResourceType: "role",
		ResourceID:   roleID,
		Action:       "update",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"name": role.Name, "active": role.IsActive, "inheritable": role.IsInheritable},
	}
	if err := c.store.Roles(ctx).Update(ctx, role, evt); err != nil {
		return nil, err
	}
	if affectsResolution {
		c.invalidateRoleHolders(ctx, roleID)
	}
	return role, nil
}

// GrantPermission attaches a catalog permission to a role. Granting an
// already-granted permission fails with ErrConflict so callers detect drift.
func (c *Catalog) GrantPermission(ctx context.Context, roleID, permissionKey string, conditions map[string]string, actorID string) error {
	if err := ValidatePermissionKey(permissionKey); err != nil {
		return err
	}
	role, err := c.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return err
	}
	if _, err := c.store.Permissions(ctx).Find(ctx, permissionKey); err != nil {
		return fmt.Errorf("%w: permission %q is not in the catalog", ErrNotFound, permissionKey)
	}

	grant := &RoleGrant{RoleID: roleID, PermissionKey: permissionKey, Conditions: conditions}
	evt := &audit.Event{
		EventType:    "role.permission_granted",
		Category:     audit.CategoryCatalog,
		ActorUserID:  actorID,
		ActorOrgID:   role.OrganizationID,
		ResourceType: "role",
		ResourceID:   roleID,
		Action:       "grant",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"permission": permissionKey},
	}
	if err := c.store.Permissions(ctx).Grant(ctx, grant, evt); err != nil {
		return err
	}
	c.invalidateRoleHolders(ctx, roleID)
	return nil
}

// RevokePermission detaches a permission from a role; revoking a permission
// that is not granted fails with ErrNotFound.
func (c *Catalog) RevokePermission(ctx context.Context, roleID, permissionKey, actorID string) error {
	role, err := c.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return err
	}
	evt := &audit.Event{
		EventType:    "role.permission_revoked",
		Category:     audit.CategoryCatalog,
		ActorUserID:  actorID,
		ActorOrgID:   role.OrganizationID,
		ResourceType: "role",
		ResourceID:   roleID,
		Action:       "revoke",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"permission": permissionKey},
	}
	if err := c.store.Permissions(ctx).Revoke(ctx, roleID, permissionKey, evt); err != nil {
		return err
	}
	c.invalidateRoleHolders(ctx, roleID)
	return nil
}

// invalidateRoleHolders drops cached resolutions for every user currently
// holding the role. Whole-user invalidation intentionally over-shoots: the
// role may be inherited into any descendant organization.
func (c *Catalog) invalidateRoleHolders(ctx context.Context, roleID string) {
	assignments, err := c.store.Assignments(ctx).ListActiveByRole(ctx, roleID)
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		c.inval.InvalidateUser(ctx, a.UserID)
	}
}
