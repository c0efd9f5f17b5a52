package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"warden.org/internal/authz"
	"warden.org/internal/cache"
	"warden.org/internal/obs"
	"warden.org/internal/revocation"
)

var version = "0.1.0"

// Exercises the full engine in memory: hierarchy, inherited resolution,
// revocation and the emergency blacklist path.
func main() {
	log.SetFlags(0)
	obs.Init()
	obs.InitBuildInfo(version, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := authz.NewInMemory()
	local := cache.NewMemory()
	engine, err := authz.NewEngine(store, authz.WithCache(local, local))
	if err != nil {
		log.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	acme, err := engine.Hierarchy().CreateOrganization(ctx, authz.CreateOrganizationInput{Name: "Acme"})
	if err != nil {
		log.Fatalf("create acme: %v", err)
	}
	eng, err := engine.Hierarchy().CreateOrganization(ctx, authz.CreateOrganizationInput{Name: "Engineering", ParentID: acme.ID})
	if err != nil {
		log.Fatalf("create engineering: %v", err)
	}

	user, err := engine.Directory().ProvisionUser(ctx, authz.ProvisionUserInput{Email: "lead@acme.test"})
	if err != nil {
		log.Fatalf("provision user: %v", err)
	}
	if _, err := engine.Directory().AddMember(ctx, user.ID, acme.ID, authz.MemberTypeAdmin, ""); err != nil {
		log.Fatalf("add member: %v", err)
	}

	if err := engine.Catalog().EnsurePermissions(ctx, []authz.Permission{
		{Key: "deploy:write", Category: "deploy", Scope: authz.ScopeOrganization},
	}); err != nil {
		log.Fatalf("ensure permissions: %v", err)
	}
	lead, err := engine.Catalog().CreateRole(ctx, authz.CreateRoleInput{
		OrganizationID: acme.ID,
		Name:           "lead",
		Priority:       10,
		IsInheritable:  true,
	})
	if err != nil {
		log.Fatalf("create role: %v", err)
	}
	if err := engine.Catalog().GrantPermission(ctx, lead.ID, "deploy:write", nil, ""); err != nil {
		log.Fatalf("grant permission: %v", err)
	}
	if _, err := engine.Assignments().AssignRole(ctx, authz.AssignRoleInput{
		UserID:         user.ID,
		RoleID:         lead.ID,
		OrganizationID: acme.ID,
	}); err != nil {
		log.Fatalf("assign role: %v", err)
	}

	// Direct at acme.
	d, err := engine.CheckPermission(ctx, user.ID, acme.ID, "deploy:write", true)
	if err != nil || !d.Allowed || d.Source != authz.SourceDirect {
		log.Fatalf("direct check: allowed=%v source=%s err=%v", d.Allowed, d.Source, err)
	}
	// Inherited at engineering.
	d, err = engine.CheckPermission(ctx, user.ID, eng.ID, "deploy:write", true)
	if err != nil || !d.Allowed || d.Source != authz.SourceInherited {
		log.Fatalf("inherited check: allowed=%v source=%s err=%v", d.Allowed, d.Source, err)
	}
	// Direct-only view at engineering must deny.
	d, err = engine.CheckPermission(ctx, user.ID, eng.ID, "deploy:write", false)
	if err != nil || d.Allowed {
		log.Fatalf("direct-only check should deny: allowed=%v err=%v", d.Allowed, err)
	}

	// Revoke and watch the cached resolution go with it.
	if err := engine.Assignments().RevokeRole(ctx, user.ID, lead.ID, acme.ID, "smoke", ""); err != nil {
		log.Fatalf("revoke role: %v", err)
	}
	d, err = engine.CheckPermission(ctx, user.ID, eng.ID, "deploy:write", true)
	if err != nil || d.Allowed {
		log.Fatalf("post-revoke check should deny: allowed=%v err=%v", d.Allowed, err)
	}

	// Emergency token revocation.
	registry := revocation.NewRegistry(revocation.NewMemory(store.Audit(ctx)), store.Audit(ctx),
		revocation.WithInvalidator(local))
	if err := registry.EmergencyRevokeAll(ctx, user.ID, "smoke", ""); err != nil {
		log.Fatalf("emergency revoke: %v", err)
	}
	revoked, err := registry.CheckToken(ctx, "tok-123", user.ID)
	if err != nil || !revoked {
		log.Fatalf("emergency check: revoked=%v err=%v", revoked, err)
	}

	fmt.Printf("✅ authz smoke test passed: org=%s user=%s\n", eng.Path, user.ID)
}
