package authz

import (
	"fmt"
	"strings"
)

// Built-in permission keys ensured at bootstrap.
const (
	PermOrgRead     = "organization:read"
	PermOrgManage   = "organization:manage"
	PermRoleManage  = "role:manage"
	PermMemberRead  = "member:read"
	PermTokenRevoke = "token:revoke"
	PermAuditRead   = "audit:read"
)

// BuiltinPermissions seeds the global catalog.
var BuiltinPermissions = []Permission{
	{Key: PermOrgRead, Category: "organization", Scope: ScopeOrganization, Description: "Read organization details"},
	{Key: PermOrgManage, Category: "organization", Scope: ScopeOrganization, IsDangerous: true, Description: "Create, move and deactivate organizations"},
	{Key: PermRoleManage, Category: "rbac", Scope: ScopeOrganization, IsDangerous: true, Description: "Manage roles and their grants"},
	{Key: PermMemberRead, Category: "membership", Scope: ScopeOrganization, Description: "List organization members"},
	{Key: PermTokenRevoke, Category: "security", Scope: ScopeSystem, IsDangerous: true, Description: "Blacklist tokens and emergency-revoke users"},
	{Key: PermAuditRead, Category: "security", Scope: ScopeSystem, Description: "Read the audit trail"},
}

// ValidatePermissionKey enforces the resource:action form: exactly one colon,
// lower-case, no whitespace or path separators on either side.
func ValidatePermissionKey(key string) error {
	parts := strings.Split(key, ":")
	if len(parts) != 2 {
		return fmt.Errorf("%w: permission %q must be resource:action", ErrInvalidInput, key)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: permission %q has an empty segment", ErrInvalidInput, key)
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return fmt.Errorf("%w: permission %q contains invalid character %q", ErrInvalidInput, key, r)
			}
		}
	}
	return nil
}

// MatchesPrefix reports whether the key falls under the given filter prefix.
// An empty prefix matches everything.
func MatchesPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(key, prefix)
}
