package authz

import (
	"errors"
	"testing"
	"time"
)

func TestCreateOrganizationPathUniqueness(t *testing.T) {
	f := newFixture(t)
	// Same sanitized segment under the same parent collides.
	_, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "engineering", ParentID: f.acme.ID})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same name under a different parent is fine.
	other, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Umbrella"})
	if err != nil {
		t.Fatalf("create umbrella: %v", err)
	}
	node, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Engineering", ParentID: other.ID})
	if err != nil {
		t.Fatalf("create umbrella/engineering: %v", err)
	}
	if node.Path != "umbrella.engineering" {
		t.Fatalf("path = %q", node.Path)
	}
}

func TestCreateOrganizationUnderInactiveParent(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Hierarchy().DeactivateOrganization(f.ctx, f.eng.ID, ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Platform", ParentID: f.eng.ID})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive parent, got %v", err)
	}
}

func TestMoveOrganizationRewritesSubtree(t *testing.T) {
	f := newFixture(t)
	platform, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Platform", ParentID: f.eng.ID})
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	umbrella, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Umbrella"})
	if err != nil {
		t.Fatalf("create umbrella: %v", err)
	}

	if err := f.engine.Hierarchy().MoveOrganization(f.ctx, f.eng.ID, umbrella.ID, ""); err != nil {
		t.Fatalf("move: %v", err)
	}

	moved, err := f.store.Organizations(f.ctx).Find(f.ctx, f.eng.ID)
	if err != nil {
		t.Fatalf("find moved: %v", err)
	}
	if moved.Path != "umbrella.engineering" || moved.ParentID != umbrella.ID {
		t.Fatalf("moved = path %q parent %q", moved.Path, moved.ParentID)
	}
	child, err := f.store.Organizations(f.ctx).Find(f.ctx, platform.ID)
	if err != nil {
		t.Fatalf("find child: %v", err)
	}
	if child.Path != "umbrella.engineering.platform" {
		t.Fatalf("descendant path = %q", child.Path)
	}
	// The old path is free again.
	if _, err := f.store.Organizations(f.ctx).FindByPath(f.ctx, "acme.engineering"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old path still resolves: %v", err)
	}
}

func TestMoveOrganizationRejectsCycles(t *testing.T) {
	f := newFixture(t)
	platform, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Platform", ParentID: f.eng.ID})
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	// acme under its own grandchild.
	if err := f.engine.Hierarchy().MoveOrganization(f.ctx, f.acme.ID, platform.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Self-parent is invalid input.
	if err := f.engine.Hierarchy().MoveOrganization(f.ctx, f.acme.ID, f.acme.ID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// State unchanged after the rejected move.
	acme, _ := f.store.Organizations(f.ctx).Find(f.ctx, f.acme.ID)
	if acme.Path != "acme" {
		t.Fatalf("path changed after rejected move: %q", acme.Path)
	}
}

func TestRenameOrganizationRewritesPaths(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Hierarchy().RenameOrganization(f.ctx, f.acme.ID, "Acme Corp", ""); err != nil {
		t.Fatalf("rename: %v", err)
	}
	acme, _ := f.store.Organizations(f.ctx).Find(f.ctx, f.acme.ID)
	if acme.Name != "Acme Corp" || acme.Path != "acme-corp" {
		t.Fatalf("renamed = name %q path %q", acme.Name, acme.Path)
	}
	child, _ := f.store.Organizations(f.ctx).Find(f.ctx, f.eng.ID)
	if child.Path != "acme-corp.engineering" {
		t.Fatalf("child path = %q", child.Path)
	}
}

func TestGetHierarchyDepthAndCounts(t *testing.T) {
	f := newFixture(t)
	f.user(t, "dev@acme.test", f.eng)
	f.role(t, f.eng, "builder", 0, false, "build:run")

	nodes, err := f.engine.Hierarchy().GetHierarchy(f.ctx, HierarchyQuery{RootID: f.acme.ID})
	if err != nil {
		t.Fatalf("get hierarchy: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d", len(nodes))
	}
	if nodes[0].Organization.ID != f.acme.ID || nodes[0].Depth != 0 {
		t.Fatalf("root node = %+v", nodes[0])
	}
	if nodes[1].Organization.ID != f.eng.ID || nodes[1].Depth != 1 {
		t.Fatalf("child node = %+v", nodes[1])
	}
	if nodes[1].MemberCount != 1 || nodes[1].RoleCount != 1 {
		t.Fatalf("counts = members %d roles %d", nodes[1].MemberCount, nodes[1].RoleCount)
	}

	// MaxDepth prunes the child.
	nodes, err = f.engine.Hierarchy().GetHierarchy(f.ctx, HierarchyQuery{RootID: f.acme.ID, MaxDepth: 0})
	if err != nil {
		t.Fatalf("get hierarchy: %v", err)
	}
	// MaxDepth 0 means unlimited.
	if len(nodes) != 2 {
		t.Fatalf("unlimited depth nodes = %d", len(nodes))
	}
}

func TestDeactivatedOrgIsExcludedAndDenied(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.eng)
	role := f.role(t, f.eng, "builder", 0, false, "build:run")
	f.assign(t, u, role, f.eng)

	if err := f.engine.Hierarchy().DeactivateOrganization(f.ctx, f.eng.ID, ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// Deactivation is idempotent.
	if err := f.engine.Hierarchy().DeactivateOrganization(f.ctx, f.eng.ID, ""); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}

	nodes, err := f.engine.Hierarchy().GetHierarchy(f.ctx, HierarchyQuery{RootID: f.acme.ID})
	if err != nil {
		t.Fatalf("get hierarchy: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("inactive node still listed: %d", len(nodes))
	}

	d, err := f.engine.CheckPermission(f.ctx, u.ID, f.eng.ID, "build:run", true)
	if err != nil {
		t.Fatalf("check against inactive org: %v", err)
	}
	if d.Allowed || d.Reason != ReasonOrganizationNotFound {
		t.Fatalf("decision = %+v", d)
	}
	if ok, _ := f.engine.HasAccess(f.ctx, u.ID, f.eng.ID); ok {
		t.Fatalf("HasAccess true for inactive org")
	}
}

func TestHasAccessMembershipAndAncestor(t *testing.T) {
	f := newFixture(t)
	member := f.user(t, "member@acme.test", f.eng)
	outsider := f.user(t, "outsider@acme.test")

	if ok, _ := f.engine.HasAccess(f.ctx, member.ID, f.eng.ID); !ok {
		t.Fatalf("member denied")
	}
	if ok, _ := f.engine.HasAccess(f.ctx, outsider.ID, f.eng.ID); ok {
		t.Fatalf("outsider allowed")
	}

	// An assignment held in an ancestor grants access to the child, and stops
	// at expiry.
	holder := f.user(t, "holder@acme.test", f.acme)
	role := f.role(t, f.acme, "lead", 0, true, "deploy:write")
	exp := f.clock.Now().Add(time.Hour)
	if _, err := f.engine.Assignments().AssignRole(f.ctx, AssignRoleInput{
		UserID:         holder.ID,
		RoleID:         role.ID,
		OrganizationID: f.acme.ID,
		ExpiresAt:      &exp,
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ok, _ := f.engine.HasAccess(f.ctx, holder.ID, f.eng.ID); !ok {
		t.Fatalf("ancestor assignment denied")
	}
	f.clock.Advance(2 * time.Hour)
	if ok, _ := f.engine.HasAccess(f.ctx, holder.ID, f.eng.ID); ok {
		t.Fatalf("expired assignment still grants access")
	}
}
