package authz

import "time"

// Organization is a node in the tenant forest. Path is the materialized
// root-to-node segment sequence (dot-joined) and is globally unique; every
// ancestor/descendant computation in the engine is a prefix test on it.
type Organization struct {
	ID        string
	Name      string
	ParentID  string // empty for roots
	Path      string
	Active    bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is referenced, never owned, by memberships, assignments and audit rows.
type User struct {
	ID         string
	ExternalID string // optional identity-provider subject, unique if present
	Email      string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Membership statuses.
const (
	MembershipActive    = "active"
	MembershipInactive  = "inactive"
	MembershipPending   = "pending"
	MembershipSuspended = "suspended"
)

// Membership types.
const (
	MemberTypeMember = "member"
	MemberTypeAdmin  = "admin"
	MemberTypeOwner  = "owner"
	MemberTypeGuest  = "guest"
)

// Membership links a user to an organization. At most one row exists per
// (user, organization) pair.
type Membership struct {
	ID             string
	UserID         string
	OrganizationID string
	Status         string
	Type           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Permission scopes.
const (
	ScopeOrganization = "organization"
	ScopeSystem       = "system"
	ScopeGlobal       = "global"
)

// Permission is a global catalog entry. The key is immutable once created.
type Permission struct {
	ID          string
	Key         string // resource:action, lower-case
	Category    string
	Scope       string
	IsDangerous bool
	Description string
	CreatedAt   time.Time
}

// Role belongs to exactly one organization and bundles permission grants.
// Higher Priority wins when two roles of the same source grant the same
// permission.
type Role struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	Priority       int
	IsInheritable  bool
	IsAssignable   bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoleGrant links a role to a catalog permission, optionally with conditions.
type RoleGrant struct {
	RoleID        string
	PermissionKey string
	Conditions    map[string]string
	CreatedAt     time.Time
}

// Assignment metadata keys written on revocation. The row itself is never
// deleted; deactivation plus metadata is the audit-preserving lifecycle.
const (
	MetaRevokedReason = "revoked_reason"
	MetaRevokedBy     = "revoked_by"
	MetaRevokedAt     = "revoked_at"
	MetaExpiredAt     = "expired_at"
)

// Assignment grants a role to a user within an organization.
type Assignment struct {
	ID             string
	UserID         string
	RoleID         string
	OrganizationID string
	GrantedAt      time.Time
	ExpiresAt      *time.Time // nil means no expiry
	Conditions     map[string]string
	IsActive       bool
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the assignment's expiry has passed at the given
// instant. Assignments without expiry never expire.
func (a *Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}
