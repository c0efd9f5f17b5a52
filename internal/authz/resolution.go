package authz

import (
	"context"
	"time"
)

// GrantSource says where a resolved permission came from.
type GrantSource string

const (
	SourceDirect    GrantSource = "direct"
	SourceInherited GrantSource = "inherited"
)

// Machine-readable denial reasons. Part of the contract: callers branch on
// them to distinguish a missing org from an ordinary denial.
const (
	ReasonOrganizationNotFound = "organization_not_found"
	ReasonPermissionDenied     = "permission_denied"
)

// ResolvedPermission carries the winning grant for one permission key.
type ResolvedPermission struct {
	Key            string            `json:"key"`
	Source         GrantSource       `json:"source"`
	RoleID         string            `json:"role_id"`
	RoleName       string            `json:"role_name"`
	OrganizationID string            `json:"organization_id"` // org the grant originates from
	Priority       int               `json:"priority"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Conditions     map[string]string `json:"conditions,omitempty"`
}

// ResolvedSet is the effective permission set for a (user, organization)
// pair, inheritance included. Direct-only or prefix-filtered views are
// derived from it rather than resolved separately.
type ResolvedSet struct {
	UserID         string                        `json:"user_id"`
	OrganizationID string                        `json:"organization_id"`
	Permissions    map[string]ResolvedPermission `json:"permissions"`
	ResolvedAt     time.Time                     `json:"resolved_at"`
}

// Lookup returns the winning grant for key, honoring the inherited flag.
func (s *ResolvedSet) Lookup(key string, includeInherited bool) (ResolvedPermission, bool) {
	if s == nil {
		return ResolvedPermission{}, false
	}
	p, ok := s.Permissions[key]
	if !ok {
		return ResolvedPermission{}, false
	}
	if !includeInherited && p.Source != SourceDirect {
		return ResolvedPermission{}, false
	}
	return p, true
}

// ResolveOptions narrows a resolution.
type ResolveOptions struct {
	IncludeInherited bool
	// Prefix keeps only permissions whose key starts with it, e.g. "deploy:".
	Prefix string
}

// Decision is the outcome of a permission check. Denials are data, not
// errors: Allowed=false with a Reason is a normal result.
type Decision struct {
	Allowed        bool        `json:"allowed"`
	Permission     string      `json:"permission"`
	Reason         string      `json:"reason,omitempty"`
	Source         GrantSource `json:"source,omitempty"`
	RoleID         string      `json:"role_id,omitempty"`
	OrganizationID string      `json:"organization_id,omitempty"`
}

// Deny builds a denied decision for a permission with the given reason.
func Deny(permission, reason string) Decision {
	return Decision{Permission: permission, Reason: reason}
}

// ResolutionCache fronts the resolver with a (user, organization) keyed view.
type ResolutionCache interface {
	Get(ctx context.Context, userID, orgID string) (*ResolvedSet, bool)
	Set(ctx context.Context, userID, orgID string, set *ResolvedSet, ttl time.Duration)
}

// Invalidator drops cached resolutions after mutations. Over-invalidating is
// fine; missing an affected pair is not. Implementations log their own
// failures; callers never roll a committed mutation back over cache trouble.
type Invalidator interface {
	InvalidateUserOrg(ctx context.Context, userID, orgID string)
	InvalidateUser(ctx context.Context, userID string)
	InvalidateOrg(ctx context.Context, orgID string)
	InvalidateOrgs(ctx context.Context, orgIDs []string)
}

// NopInvalidator satisfies Invalidator when no cache is wired.
type NopInvalidator struct{}

func (NopInvalidator) InvalidateUserOrg(context.Context, string, string) {}
func (NopInvalidator) InvalidateUser(context.Context, string)            {}
func (NopInvalidator) InvalidateOrg(context.Context, string)             {}
func (NopInvalidator) InvalidateOrgs(context.Context, []string)          {}
