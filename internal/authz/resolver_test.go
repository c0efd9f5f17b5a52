package authz

import (
	"testing"
)

func TestDirectOverridesInherited(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.acme, f.eng)
	// The inherited role carries a much higher priority; source still wins.
	parentRole := f.role(t, f.acme, "parent-admin", 100, true, "deploy:write")
	childRole := f.role(t, f.eng, "child-operator", 1, false, "deploy:write")
	f.assign(t, u, parentRole, f.acme)
	f.assign(t, u, childRole, f.eng)

	resolver := NewResolver(f.store, f.clock.Now)
	set, err := resolver.Resolve(f.ctx, u.ID, f.eng.ID, ResolveOptions{IncludeInherited: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, ok := set.Lookup("deploy:write", true)
	if !ok {
		t.Fatalf("permission missing")
	}
	if p.Source != SourceDirect || p.RoleID != childRole.ID {
		t.Fatalf("winner = %+v", p)
	}
}

func TestPriorityBreaksTiesWithinSource(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.eng)
	low := f.role(t, f.eng, "low", 1, false, "deploy:write")
	high := f.role(t, f.eng, "high", 9, false, "deploy:write")
	f.assign(t, u, low, f.eng)
	f.assign(t, u, high, f.eng)

	resolver := NewResolver(f.store, f.clock.Now)
	set, err := resolver.Resolve(f.ctx, u.ID, f.eng.ID, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, _ := set.Lookup("deploy:write", false)
	if p.RoleID != high.ID || p.Priority != 9 {
		t.Fatalf("winner = %+v", p)
	}
}

func TestEqualPriorityFallsBackToRoleID(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.eng)
	a := f.role(t, f.eng, "alpha", 5, false, "deploy:write")
	b := f.role(t, f.eng, "beta", 5, false, "deploy:write")
	f.assign(t, u, a, f.eng)
	f.assign(t, u, b, f.eng)

	// ULIDs sort by creation time, so the earlier role wins the tie.
	want := a.ID
	if b.ID < a.ID {
		want = b.ID
	}
	resolver := NewResolver(f.store, f.clock.Now)
	set, err := resolver.Resolve(f.ctx, u.ID, f.eng.ID, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, _ := set.Lookup("deploy:write", false)
	if p.RoleID != want {
		t.Fatalf("winner = %s, want %s", p.RoleID, want)
	}
}

func TestNonInheritableRolesStayLocal(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.acme)
	local := f.role(t, f.acme, "local-only", 10, false, "deploy:write")
	f.assign(t, u, local, f.acme)

	resolver := NewResolver(f.store, f.clock.Now)
	// Visible at the org the role lives in.
	d, err := resolver.CheckPermission(f.ctx, u.ID, f.acme.ID, "deploy:write", true)
	if err != nil || !d.Allowed {
		t.Fatalf("at home org: %+v err=%v", d, err)
	}
	// Invisible one level down.
	d, err = resolver.CheckPermission(f.ctx, u.ID, f.eng.ID, "deploy:write", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("non-inheritable role leaked into descendant")
	}
}

func TestInactiveAncestorBreaksInheritance(t *testing.T) {
	f := newFixture(t)
	platform, err := f.engine.Hierarchy().CreateOrganization(f.ctx, CreateOrganizationInput{Name: "Platform", ParentID: f.eng.ID})
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	u := f.user(t, "dev@acme.test", f.acme)
	lead := f.role(t, f.acme, "lead", 0, true, "deploy:write")
	f.assign(t, u, lead, f.acme)

	resolver := NewResolver(f.store, f.clock.Now)
	if d, _ := resolver.CheckPermission(f.ctx, u.ID, platform.ID, "deploy:write", true); !d.Allowed {
		t.Fatalf("expected inherited allow two levels down")
	}

	// Deactivating the middle org keeps the chain walkable but drops its
	// grants; here the grant sits above the gap, so the root grant survives.
	mid, _ := f.store.Organizations(f.ctx).Find(f.ctx, f.eng.ID)
	mid.Active = false
	if err := f.store.Organizations(f.ctx).Update(f.ctx, mid, nil); err != nil {
		t.Fatalf("deactivate middle: %v", err)
	}
	if d, _ := resolver.CheckPermission(f.ctx, u.ID, platform.ID, "deploy:write", true); !d.Allowed {
		t.Fatalf("grant above an inactive ancestor should still apply")
	}

	// Deactivating the grant's own org removes it.
	top, _ := f.store.Organizations(f.ctx).Find(f.ctx, f.acme.ID)
	top.Active = false
	if err := f.store.Organizations(f.ctx).Update(f.ctx, top, nil); err != nil {
		t.Fatalf("deactivate top: %v", err)
	}
	if d, _ := resolver.CheckPermission(f.ctx, u.ID, platform.ID, "deploy:write", true); d.Allowed {
		t.Fatalf("grant from inactive org should not apply")
	}
}

func TestCheckPermissionReportsHighestPriorityRole(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.acme, f.eng)
	// Assignment order must not decide which role gets credited.
	low := f.role(t, f.eng, "low", 1, false, "deploy:write")
	high := f.role(t, f.eng, "high", 9, false, "deploy:write")
	f.assign(t, u, low, f.eng)
	f.assign(t, u, high, f.eng)

	resolver := NewResolver(f.store, f.clock.Now)
	single, err := resolver.CheckPermission(f.ctx, u.ID, f.eng.ID, "deploy:write", true)
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	if !single.Allowed || single.RoleID != high.ID {
		t.Fatalf("single winner = %+v, want role %s", single, high.ID)
	}
	bulk, err := resolver.CheckPermissionsBulk(f.ctx, u.ID, f.eng.ID, []string{"deploy:write"}, true)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if bulk[0].RoleID != single.RoleID {
		t.Fatalf("bulk role %s != single role %s", bulk[0].RoleID, single.RoleID)
	}

	// Same rule across the inherited source.
	parentLow := f.role(t, f.acme, "parent-low", 1, true, "audit:read")
	parentHigh := f.role(t, f.acme, "parent-high", 9, true, "audit:read")
	f.assign(t, u, parentLow, f.acme)
	f.assign(t, u, parentHigh, f.acme)
	single, err = resolver.CheckPermission(f.ctx, u.ID, f.eng.ID, "audit:read", true)
	if err != nil {
		t.Fatalf("inherited single: %v", err)
	}
	if !single.Allowed || single.Source != SourceInherited || single.RoleID != parentHigh.ID {
		t.Fatalf("inherited winner = %+v, want role %s", single, parentHigh.ID)
	}
}

func TestBulkCheckMatchesSingleChecks(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.acme, f.eng)
	lead := f.role(t, f.acme, "lead", 0, true, "deploy:write")
	f.assign(t, u, lead, f.acme)

	perms := []string{"deploy:write", "audit:read", "deploy:write"}
	resolver := NewResolver(f.store, f.clock.Now)
	bulk, err := resolver.CheckPermissionsBulk(f.ctx, u.ID, f.eng.ID, perms, true)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(bulk) != len(perms) {
		t.Fatalf("bulk length = %d", len(bulk))
	}
	for i, perm := range perms {
		single, err := resolver.CheckPermission(f.ctx, u.ID, f.eng.ID, perm, true)
		if err != nil {
			t.Fatalf("single %s: %v", perm, err)
		}
		if bulk[i].Allowed != single.Allowed || bulk[i].Permission != perm {
			t.Fatalf("mismatch at %d: bulk=%+v single=%+v", i, bulk[i], single)
		}
	}

	// Unknown org: every decision carries the org reason, no error.
	bulk, err = resolver.CheckPermissionsBulk(f.ctx, u.ID, "nope", perms, true)
	if err != nil {
		t.Fatalf("bulk unknown org: %v", err)
	}
	for _, d := range bulk {
		if d.Allowed || d.Reason != ReasonOrganizationNotFound {
			t.Fatalf("decision = %+v", d)
		}
	}

	// Empty input, empty output.
	bulk, err = resolver.CheckPermissionsBulk(f.ctx, u.ID, f.eng.ID, nil, true)
	if err != nil || len(bulk) != 0 {
		t.Fatalf("empty bulk: %v %v", bulk, err)
	}
}

func TestResolutionIsAudited(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "dev@acme.test", f.acme)
	resolver := NewResolver(f.store, f.clock.Now)
	if _, err := resolver.CheckPermission(f.ctx, u.ID, f.acme.ID, "deploy:write", true); err != nil {
		t.Fatalf("check: %v", err)
	}
	var found bool
	for _, e := range f.store.AuditEvents() {
		if e.EventType == "permission.checked" && e.ActorUserID == u.ID {
			found = true
			if e.Result != "failure" {
				t.Fatalf("denied check recorded as %q", e.Result)
			}
		}
	}
	if !found {
		t.Fatalf("check not audited")
	}
}
