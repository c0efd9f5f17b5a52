package authz

import (
	"context"
	"errors"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/obs"
)

// DefaultCacheTTL bounds how stale an unrefreshed cached resolution may get.
const DefaultCacheTTL = 5 * time.Minute

// DefaultRootOrganization is the well-known bootstrap tenant name.
const DefaultRootOrganization = "root"

// Engine bundles the services behind one constructor and fronts the read
// path with the resolution cache. All mutating operations write audit events
// through the store contract and trigger cache invalidation.
type Engine struct {
	store    Store
	cache    ResolutionCache
	inval    Invalidator
	now      func() time.Time
	cacheTTL time.Duration
	rootName string

	hierarchy   *Hierarchy
	catalog     *Catalog
	assignments *Assignments
	directory   *Directory
	resolver    *Resolver
}

// EngineOption configures the engine.
type EngineOption func(*Engine) error

// WithCache fronts resolution reads with the given cache and routes
// invalidations to inval.
func WithCache(cache ResolutionCache, inval Invalidator) EngineOption {
	return func(e *Engine) error {
		e.cache = cache
		e.inval = inval
		return nil
	}
}

// WithCacheTTL overrides the cached resolution lifetime.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithRootOrganization overrides the bootstrap tenant name.
func WithRootOrganization(name string) EngineOption {
	return func(e *Engine) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.New("authz: root organization name must not be empty")
		}
		e.rootName = name
		return nil
	}
}

// NewEngine constructs the engine over a store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	e := &Engine{
		store:    store,
		inval:    NopInvalidator{},
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		rootName: DefaultRootOrganization,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.hierarchy = NewHierarchy(store, e.inval, e.now)
	e.catalog = NewCatalog(store, e.inval, e.now)
	e.assignments = NewAssignments(store, e.inval, e.now)
	e.directory = NewDirectory(store, e.inval, e.now)
	e.resolver = NewResolver(store, e.now)
	return e, nil
}

// Hierarchy exposes organization operations.
func (e *Engine) Hierarchy() *Hierarchy { return e.hierarchy }

// Catalog exposes role and permission operations.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Assignments exposes the role assignment ledger.
func (e *Engine) Assignments() *Assignments { return e.assignments }

// Directory exposes user and membership provisioning.
func (e *Engine) Directory() *Directory { return e.directory }

// Bootstrap ensures the built-in permission catalog and the well-known root
// organization exist. Safe to run on every startup.
func (e *Engine) Bootstrap(ctx context.Context) (*Organization, error) {
	if err := e.catalog.EnsurePermissions(ctx, BuiltinPermissions); err != nil {
		return nil, err
	}
	segment, err := SanitizeSegment(e.rootName)
	if err != nil {
		return nil, err
	}
	if root, err := e.store.Organizations(ctx).FindByPath(ctx, segment); err == nil {
		return root, nil
	}
	return e.hierarchy.CreateOrganization(ctx, CreateOrganizationInput{Name: e.rootName})
}

// Resolve returns the effective permission set, served from cache when
// possible. Narrowing options are applied to the cached full set.
func (e *Engine) Resolve(ctx context.Context, userID, orgID string, opts ResolveOptions) (*ResolvedSet, error) {
	full, err := e.resolveFull(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return narrowSet(full, opts), nil
}

// CheckPermission decides a single permission from the cached resolution.
func (e *Engine) CheckPermission(ctx context.Context, userID, orgID, permission string, includeInherited bool) (Decision, error) {
	ctx = audit.EnsureRequestID(ctx)
	full, err := e.resolveFull(ctx, userID, orgID)
	if err != nil {
		if isNotFound(err) {
			d := Deny(permission, ReasonOrganizationNotFound)
			e.resolver.auditCheck(ctx, userID, orgID, d)
			return d, nil
		}
		return Deny(permission, ReasonPermissionDenied), err
	}
	d := DecisionFromSet(full, permission, includeInherited)
	e.resolver.auditCheck(ctx, userID, orgID, d)
	return d, nil
}

// CheckPermissionsBulk decides every requested permission in input order from
// one resolution pass.
func (e *Engine) CheckPermissionsBulk(ctx context.Context, userID, orgID string, permissions []string, includeInherited bool) ([]Decision, error) {
	if len(permissions) == 0 {
		return []Decision{}, nil
	}
	ctx = audit.EnsureRequestID(ctx)
	full, err := e.resolveFull(ctx, userID, orgID)
	if err != nil {
		out := make([]Decision, len(permissions))
		reason := ReasonPermissionDenied
		if isNotFound(err) {
			reason = ReasonOrganizationNotFound
			err = nil
		}
		for i, perm := range permissions {
			out[i] = Deny(perm, reason)
		}
		e.resolver.auditBulk(ctx, userID, orgID, out)
		return out, err
	}
	out := make([]Decision, len(permissions))
	for i, perm := range permissions {
		out[i] = DecisionFromSet(full, perm, includeInherited)
	}
	e.resolver.auditBulk(ctx, userID, orgID, out)
	return out, nil
}

// HasAccess reports membership-or-ancestor-assignment access.
func (e *Engine) HasAccess(ctx context.Context, userID, orgID string) (bool, error) {
	return e.hierarchy.HasAccess(ctx, userID, orgID)
}

// resolveFull returns the unfiltered, inheritance-included set for the pair,
// consulting the cache first.
func (e *Engine) resolveFull(ctx context.Context, userID, orgID string) (*ResolvedSet, error) {
	if e.cache != nil {
		if set, ok := e.cache.Get(ctx, userID, orgID); ok {
			obs.ObserveCacheEvent("hit")
			return set, nil
		}
		obs.ObserveCacheEvent("miss")
	}
	set, err := e.resolver.Resolve(ctx, userID, orgID, ResolveOptions{IncludeInherited: true})
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, userID, orgID, set, e.cacheTTL)
	}
	return set, nil
}

// narrowSet derives a filtered view from a full cached set.
func narrowSet(full *ResolvedSet, opts ResolveOptions) *ResolvedSet {
	out := &ResolvedSet{
		UserID:         full.UserID,
		OrganizationID: full.OrganizationID,
		Permissions:    make(map[string]ResolvedPermission, len(full.Permissions)),
		ResolvedAt:     full.ResolvedAt,
	}
	for key, p := range full.Permissions {
		if !opts.IncludeInherited && p.Source != SourceDirect {
			continue
		}
		if !MatchesPrefix(key, opts.Prefix) {
			continue
		}
		out.Permissions[key] = p
	}
	return out
}
