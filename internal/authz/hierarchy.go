package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
)

// Hierarchy manages the organization forest and its materialized paths.
type Hierarchy struct {
	store Store
	inval Invalidator
	now   func() time.Time
}

// NewHierarchy wires the hierarchy service.
func NewHierarchy(store Store, inval Invalidator, now func() time.Time) *Hierarchy {
	if inval == nil {
		inval = NopInvalidator{}
	}
	if now == nil {
		now = time.Now
	}
	return &Hierarchy{store: store, inval: inval, now: now}
}

// CreateOrganizationInput describes a new node.
type CreateOrganizationInput struct {
	Name     string
	ParentID string // empty creates a root
	Metadata map[string]string
	ActorID  string
}

// CreateOrganization adds a node under the given parent. The name is
// sanitized into a path segment; the resulting path must be globally unique.
func (h *Hierarchy) CreateOrganization(ctx context.Context, in CreateOrganizationInput) (*Organization, error) {
	segment, err := SanitizeSegment(in.Name)
	if err != nil {
		return nil, err
	}
	parentPath := ""
	if in.ParentID != "" {
		parent, err := h.store.Organizations(ctx).Find(ctx, in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("%w: parent organization", ErrNotFound)
		}
		if !parent.Active {
			return nil, fmt.Errorf("%w: parent organization is inactive", ErrNotFound)
		}
		parentPath = parent.Path
	}

	org := &Organization{
		ID:       ids.New(),
		Name:     strings.TrimSpace(in.Name),
		ParentID: in.ParentID,
		Path:     ChildPath(parentPath, segment),
		Active:   true,
		Metadata: in.Metadata,
	}
	evt := &audit.Event{
		EventType:    "organization.created",
		Category:     audit.CategoryHierarchy,
		ActorUserID:  in.ActorID,
		ActorOrgID:   org.ID,
		ResourceType: "organization",
		ResourceID:   org.ID,
		Action:       "create",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"path": org.Path, "parent_id": in.ParentID},
	}
	if err := h.store.Organizations(ctx).Create(ctx, org, evt); err != nil {
		return nil, err
	}
	return org, nil
}

// MoveOrganization reparents a node and rewrites the path of every descendant
// in one atomic operation. Moving a node under its own subtree fails with
// ErrConflict and changes nothing.
func (h *Hierarchy) MoveOrganization(ctx context.Context, id, newParentID, actorID string) error {
	if newParentID == id {
		return fmt.Errorf("%w: organization cannot be its own parent", ErrInvalidInput)
	}
	orgs := h.store.Organizations(ctx)
	org, err := orgs.Find(ctx, id)
	if err != nil {
		return err
	}
	newParentPath := ""
	if newParentID != "" {
		parent, err := orgs.Find(ctx, newParentID)
		if err != nil {
			return fmt.Errorf("%w: new parent organization", ErrNotFound)
		}
		if !parent.Active {
			return fmt.Errorf("%w: new parent organization is inactive", ErrNotFound)
		}
		// Cycle guard: the candidate parent must not live inside the moved
		// subtree.
		if IsPathSelfOrAncestor(org.Path, parent.Path) {
			return fmt.Errorf("%w: cannot move organization under its own descendant", ErrConflict)
		}
		newParentPath = parent.Path
	}

	segments := PathSegments(org.Path)
	newPath := ChildPath(newParentPath, segments[len(segments)-1])
	if newPath == org.Path && newParentID == org.ParentID {
		return nil
	}

	subtree, err := orgs.ListSubtree(ctx, org.Path, true)
	if err != nil {
		return err
	}
	rewrites := make([]PathRewrite, 0, len(subtree))
	affected := make([]string, 0, len(subtree))
	for _, node := range subtree {
		rewrites = append(rewrites, PathRewrite{OrgID: node.ID, Path: RebasePath(node.Path, org.Path, newPath)})
		affected = append(affected, node.ID)
	}

	evt := &audit.Event{
		EventType:    "organization.moved",
		Category:     audit.CategoryHierarchy,
		ActorUserID:  actorID,
		ActorOrgID:   id,
		ResourceType: "organization",
		ResourceID:   id,
		Action:       "move",
		Result:       audit.ResultSuccess,
		Details: map[string]any{
			"old_path":      org.Path,
			"new_path":      newPath,
			"new_parent_id": newParentID,
			"subtree_size":  len(subtree),
		},
	}
	if err := orgs.RewritePaths(ctx, id, newParentID, rewrites, evt); err != nil {
		return err
	}
	// Inherited grants flow along paths, so every pair touching the moved
	// subtree is suspect.
	h.inval.InvalidateOrgs(ctx, affected)
	return nil
}

// RenameOrganization changes the display name and recomputes the subtree
// paths, exactly like a move that keeps the parent.
func (h *Hierarchy) RenameOrganization(ctx context.Context, id, newName, actorID string) error {
	segment, err := SanitizeSegment(newName)
	if err != nil {
		return err
	}
	orgs := h.store.Organizations(ctx)
	org, err := orgs.Find(ctx, id)
	if err != nil {
		return err
	}
	parentPath := ""
	if org.ParentID != "" {
		parent, err := orgs.Find(ctx, org.ParentID)
		if err != nil {
			return err
		}
		parentPath = parent.Path
	}
	newPath := ChildPath(parentPath, segment)

	evt := &audit.Event{
		EventType:    "organization.renamed",
		Category:     audit.CategoryHierarchy,
		ActorUserID:  actorID,
		ActorOrgID:   id,
		ResourceType: "organization",
		ResourceID:   id,
		Action:       "rename",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"old_path": org.Path, "new_path": newPath, "name": newName},
	}
	if newPath != org.Path {
		subtree, err := orgs.ListSubtree(ctx, org.Path, true)
		if err != nil {
			return err
		}
		rewrites := make([]PathRewrite, 0, len(subtree))
		affected := make([]string, 0, len(subtree))
		for _, node := range subtree {
			rewrites = append(rewrites, PathRewrite{OrgID: node.ID, Path: RebasePath(node.Path, org.Path, newPath)})
			affected = append(affected, node.ID)
		}
		if err := orgs.RewritePaths(ctx, id, org.ParentID, rewrites, evt); err != nil {
			return err
		}
		h.inval.InvalidateOrgs(ctx, affected)
		evt = nil // already recorded with the rewrite
	}
	org.Name = strings.TrimSpace(newName)
	return orgs.Update(ctx, org, evt)
}

// DeactivateOrganization soft-deactivates a node. Organizations are never
// hard-deleted.
func (h *Hierarchy) DeactivateOrganization(ctx context.Context, id, actorID string) error {
	orgs := h.store.Organizations(ctx)
	org, err := orgs.Find(ctx, id)
	if err != nil {
		return err
	}
	if !org.Active {
		return nil
	}
	org.Active = false
	evt := &audit.Event{
		EventType:    "organization.deactivated",
		Category:     audit.CategoryHierarchy,
		ActorUserID:  actorID,
		ActorOrgID:   id,
		ResourceType: "organization",
		ResourceID:   id,
		Action:       "deactivate",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"path": org.Path},
	}
	if err := orgs.Update(ctx, org, evt); err != nil {
		return err
	}
	subtree, err := orgs.ListSubtree(ctx, org.Path, true)
	if err == nil {
		affected := make([]string, 0, len(subtree))
		for _, node := range subtree {
			affected = append(affected, node.ID)
		}
		h.inval.InvalidateOrgs(ctx, affected)
	}
	return nil
}

// HierarchyQuery narrows GetHierarchy.
type HierarchyQuery struct {
	RootID          string // empty returns the whole forest
	MaxDepth        int    // relative to the root; 0 means unlimited
	IncludeInactive bool
}

// OrgNode annotates an organization with subtree position and counts.
type OrgNode struct {
	Organization *Organization
	Depth        int // 0 for the queried root
	MemberCount  int
	RoleCount    int
}

// GetHierarchy returns the subtree ordered by path with member and role
// counts per node.
func (h *Hierarchy) GetHierarchy(ctx context.Context, q HierarchyQuery) ([]*OrgNode, error) {
	orgs := h.store.Organizations(ctx)
	rootPath := ""
	rootDepth := 0
	if q.RootID != "" {
		root, err := orgs.Find(ctx, q.RootID)
		if err != nil {
			return nil, err
		}
		rootPath = root.Path
		rootDepth = PathDepth(root.Path)
	}
	subtree, err := orgs.ListSubtree(ctx, rootPath, q.IncludeInactive)
	if err != nil {
		return nil, err
	}

	var nodes []*OrgNode
	var orgIDs []string
	for _, org := range subtree {
		depth := PathDepth(org.Path) - rootDepth
		if q.RootID == "" {
			depth = PathDepth(org.Path) - 1
		}
		if q.MaxDepth > 0 && depth > q.MaxDepth {
			continue
		}
		nodes = append(nodes, &OrgNode{Organization: org, Depth: depth})
		orgIDs = append(orgIDs, org.ID)
	}

	memberCounts, err := h.store.Memberships(ctx).CountActiveByOrgs(ctx, orgIDs)
	if err != nil {
		return nil, err
	}
	roleCounts, err := h.store.Roles(ctx).CountByOrgs(ctx, orgIDs)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		node.MemberCount = memberCounts[node.Organization.ID]
		node.RoleCount = roleCounts[node.Organization.ID]
	}
	return nodes, nil
}

// HasAccess reports whether the user has a direct active membership in the
// organization, or holds any active, non-expired assignment in one of its
// ancestors.
func (h *Hierarchy) HasAccess(ctx context.Context, userID, orgID string) (bool, error) {
	org, err := h.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil || !org.Active {
		return false, nil
	}
	if mem, err := h.store.Memberships(ctx).Find(ctx, userID, orgID); err == nil && mem.Status == MembershipActive {
		return true, nil
	}

	assignments, err := h.store.Assignments(ctx).ListActiveByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	now := h.now().UTC()
	paths := map[string]string{orgID: org.Path}
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		path, ok := paths[a.OrganizationID]
		if !ok {
			holder, err := h.store.Organizations(ctx).Find(ctx, a.OrganizationID)
			if err != nil {
				continue
			}
			if !holder.Active {
				paths[a.OrganizationID] = ""
				continue
			}
			path = holder.Path
			paths[a.OrganizationID] = path
		}
		if path != "" && IsPathAncestor(path, org.Path) {
			return true, nil
		}
	}
	return false, nil
}
