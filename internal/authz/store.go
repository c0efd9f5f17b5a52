package authz

import (
	"context"
	"time"

	"warden.org/internal/audit"
)

// Store describes persistence for the engine. Mutating methods take the audit
// event that documents them; implementations must commit the mutation and the
// event atomically, or neither. Read methods return copies that callers may
// retain.
type Store interface {
	Organizations(ctx context.Context) OrganizationStore
	Users(ctx context.Context) UserStore
	Memberships(ctx context.Context) MembershipStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Assignments(ctx context.Context) AssignmentStore
	Audit(ctx context.Context) audit.Store
}

// PathRewrite is one row of an atomic subtree path rewrite.
type PathRewrite struct {
	OrgID string
	Path  string
}

// OrganizationStore manages the tenant forest. Implementations must keep
// paths globally unique among active organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization, evt *audit.Event) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindByPath(ctx context.Context, path string) (*Organization, error)
	// ListSubtree returns the organization at pathPrefix and all of its
	// descendants ordered by path. An empty prefix returns the whole forest.
	ListSubtree(ctx context.Context, pathPrefix string, includeInactive bool) ([]*Organization, error)
	// Update persists name, active flag and metadata changes. Paths are only
	// changed through RewritePaths.
	Update(ctx context.Context, org *Organization, evt *audit.Event) error
	// RewritePaths atomically applies every rewrite and repoints rootID at
	// newParentID. Fails with ErrConflict if any target path collides and
	// leaves no partial state behind.
	RewritePaths(ctx context.Context, rootID, newParentID string, rewrites []PathRewrite, evt *audit.Event) error
}

// UserStore manages referenced user records.
type UserStore interface {
	Create(ctx context.Context, u *User, evt *audit.Event) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// MembershipStore enforces the one-row-per-(user, organization) invariant.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership, evt *audit.Event) error
	Find(ctx context.Context, userID, orgID string) (*Membership, error)
	UpdateStatus(ctx context.Context, userID, orgID, status string, evt *audit.Event) error
	ListByUser(ctx context.Context, userID string) ([]*Membership, error)
	CountActiveByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error)
}

// RoleStore manages per-organization roles, names unique within the org.
type RoleStore interface {
	Create(ctx context.Context, role *Role, evt *audit.Event) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, orgID, name string) (*Role, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Role, error)
	Update(ctx context.Context, role *Role, evt *audit.Event) error
	CountByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error)
}

// PermissionStore manages the global catalog and role grants.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	Find(ctx context.Context, key string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	// Grant fails with ErrConflict when the permission is already granted so
	// callers can detect drift.
	Grant(ctx context.Context, grant *RoleGrant, evt *audit.Event) error
	// Revoke fails with ErrNotFound when the permission is not granted.
	Revoke(ctx context.Context, roleID, key string, evt *audit.Event) error
	GrantsForRole(ctx context.Context, roleID string) ([]*RoleGrant, error)
}

// AssignmentStore is the role assignment ledger. Rows are deactivated, never
// deleted.
type AssignmentStore interface {
	// Create fails with ErrConflict when an active assignment already exists
	// for the (user, role, organization) triple.
	Create(ctx context.Context, a *Assignment, evt *audit.Event) error
	Find(ctx context.Context, id string) (*Assignment, error)
	FindActive(ctx context.Context, userID, roleID, orgID string) (*Assignment, error)
	ListActiveByUserOrg(ctx context.Context, userID, orgID string) ([]*Assignment, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*Assignment, error)
	ListActiveByRole(ctx context.Context, roleID string) ([]*Assignment, error)
	// Deactivate flips is_active off and merges meta into the row's metadata.
	Deactivate(ctx context.Context, id string, meta map[string]string, evt *audit.Event) error
	// ExpireBefore deactivates every active assignment whose expiry is at or
	// before the cutoff and returns the affected rows. Running it again over
	// the same cutoff finds nothing.
	ExpireBefore(ctx context.Context, cutoff time.Time, evt *audit.Event) ([]*Assignment, error)
}
