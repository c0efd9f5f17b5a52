package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Mutations and
// their audit events are applied under one lock, giving the atomicity the
// Store contract requires without a database.
type InMemory struct {
	mu sync.RWMutex

	orgs      map[string]*Organization
	orgByPath map[string]string

	users       map[string]*User
	userByEmail map[string]string

	memberships map[string]*Membership // keyed user\x00org

	roles         map[string]*Role
	roleByOrgName map[string]string // keyed org\x00name

	perms  map[string]*Permission           // keyed by permission key
	grants map[string]map[string]*RoleGrant // roleID -> key -> grant

	assignments  map[string]*Assignment
	activeTriple map[string]string // user\x00role\x00org -> assignment id

	audit *audit.Memory
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store with its own audit log.
func NewInMemory() *InMemory {
	return &InMemory{
		orgs:          make(map[string]*Organization),
		orgByPath:     make(map[string]string),
		users:         make(map[string]*User),
		userByEmail:   make(map[string]string),
		memberships:   make(map[string]*Membership),
		roles:         make(map[string]*Role),
		roleByOrgName: make(map[string]string),
		perms:         make(map[string]*Permission),
		grants:        make(map[string]map[string]*RoleGrant),
		assignments:   make(map[string]*Assignment),
		activeTriple:  make(map[string]string),
		audit:         audit.NewMemory(),
	}
}

func (m *InMemory) Organizations(ctx context.Context) OrganizationStore { return memOrgs{m} }
func (m *InMemory) Users(ctx context.Context) UserStore                 { return memUsers{m} }
func (m *InMemory) Memberships(ctx context.Context) MembershipStore     { return memMemberships{m} }
func (m *InMemory) Roles(ctx context.Context) RoleStore                 { return memRoles{m} }
func (m *InMemory) Permissions(ctx context.Context) PermissionStore     { return memPerms{m} }
func (m *InMemory) Assignments(ctx context.Context) AssignmentStore     { return memAssignments{m} }
func (m *InMemory) Audit(ctx context.Context) audit.Store               { return m.audit }

// AuditEvents exposes recorded events for tests and the smoke command.
func (m *InMemory) AuditEvents() []audit.Event { return m.audit.Events() }

func (m *InMemory) appendAuditLocked(evt *audit.Event) {
	if evt == nil {
		return
	}
	// audit.Memory.Append never fails; context is irrelevant here.
	_ = m.audit.Append(context.Background(), evt)
}

func key2(a, b string) string    { return a + "\x00" + b }
func key3(a, b, c string) string { return a + "\x00" + b + "\x00" + c }

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyOrg(o *Organization) *Organization {
	c := *o
	c.Metadata = copyStrings(o.Metadata)
	return &c
}

func copyAssignment(a *Assignment) *Assignment {
	c := *a
	c.Conditions = copyStrings(a.Conditions)
	c.Metadata = copyStrings(a.Metadata)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func copyGrant(g *RoleGrant) *RoleGrant {
	c := *g
	c.Conditions = copyStrings(g.Conditions)
	return &c
}

// Organization store -------------------------------------------------------

type memOrgs struct{ m *InMemory }

func (s memOrgs) Create(ctx context.Context, org *Organization, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if org.ID == "" {
		org.ID = ids.New()
	}
	if _, exists := s.m.orgByPath[org.Path]; exists {
		return fmt.Errorf("%w: path %q already exists", ErrConflict, org.Path)
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	s.m.orgs[org.ID] = copyOrg(org)
	s.m.orgByPath[org.Path] = org.ID
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memOrgs) Find(ctx context.Context, id string) (*Organization, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	org, ok := s.m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrg(org), nil
}

func (s memOrgs) FindByPath(ctx context.Context, path string) (*Organization, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.orgByPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrg(s.m.orgs[id]), nil
}

func (s memOrgs) ListSubtree(ctx context.Context, pathPrefix string, includeInactive bool) ([]*Organization, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Organization
	for _, org := range s.m.orgs {
		if pathPrefix != "" && !IsPathSelfOrAncestor(pathPrefix, org.Path) {
			continue
		}
		if !includeInactive && !org.Active {
			continue
		}
		out = append(out, copyOrg(org))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s memOrgs) Update(ctx context.Context, org *Organization, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.orgs[org.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = org.Name
	cur.Active = org.Active
	cur.Metadata = copyStrings(org.Metadata)
	cur.UpdatedAt = time.Now().UTC()
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memOrgs) RewritePaths(ctx context.Context, rootID, newParentID string, rewrites []PathRewrite, evt *audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	rewritten := make(map[string]string, len(rewrites)) // orgID -> new path
	for _, rw := range rewrites {
		if _, ok := s.m.orgs[rw.OrgID]; !ok {
			return fmt.Errorf("%w: organization %s", ErrNotFound, rw.OrgID)
		}
		rewritten[rw.OrgID] = rw.Path
	}
	// Validate every target path against organizations outside the rewrite
	// before touching anything, so a conflict leaves no partial state.
	for _, rw := range rewrites {
		if otherID, exists := s.m.orgByPath[rw.Path]; exists {
			if _, moving := rewritten[otherID]; !moving {
				return fmt.Errorf("%w: path %q already exists", ErrConflict, rw.Path)
			}
		}
	}

	now := time.Now().UTC()
	for _, rw := range rewrites {
		org := s.m.orgs[rw.OrgID]
		delete(s.m.orgByPath, org.Path)
		org.Path = rw.Path
		org.UpdatedAt = now
	}
	for _, rw := range rewrites {
		s.m.orgByPath[rw.Path] = rw.OrgID
	}
	if root, ok := s.m.orgs[rootID]; ok {
		root.ParentID = newParentID
	}
	s.m.appendAuditLocked(evt)
	return nil
}

// User store ---------------------------------------------------------------

type memUsers struct{ m *InMemory }

func (s memUsers) Create(ctx context.Context, u *User, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	email := strings.ToLower(u.Email)
	if _, exists := s.m.userByEmail[email]; exists {
		return fmt.Errorf("%w: email %q already registered", ErrConflict, u.Email)
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.m.users[u.ID] = &cp
	s.m.userByEmail[email] = u.ID
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memUsers) Find(ctx context.Context, id string) (*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.userByEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.m.users[id]
	return &cp, nil
}

// Membership store ---------------------------------------------------------

type memMemberships struct{ m *InMemory }

func (s memMemberships) Create(ctx context.Context, mem *Membership, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := key2(mem.UserID, mem.OrganizationID)
	if _, exists := s.m.memberships[k]; exists {
		return fmt.Errorf("%w: membership already exists", ErrConflict)
	}
	if mem.ID == "" {
		mem.ID = ids.New()
	}
	now := time.Now().UTC()
	mem.CreatedAt, mem.UpdatedAt = now, now
	cp := *mem
	s.m.memberships[k] = &cp
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memMemberships) Find(ctx context.Context, userID, orgID string) (*Membership, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	mem, ok := s.m.memberships[key2(userID, orgID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (s memMemberships) UpdateStatus(ctx context.Context, userID, orgID, status string, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	mem, ok := s.m.memberships[key2(userID, orgID)]
	if !ok {
		return ErrNotFound
	}
	mem.Status = status
	mem.UpdatedAt = time.Now().UTC()
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memMemberships) ListByUser(ctx context.Context, userID string) ([]*Membership, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Membership
	for _, mem := range s.m.memberships {
		if mem.UserID == userID {
			cp := *mem
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (s memMemberships) CountActiveByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	want := make(map[string]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		want[id] = struct{}{}
	}
	counts := make(map[string]int, len(orgIDs))
	for _, mem := range s.m.memberships {
		if mem.Status != MembershipActive {
			continue
		}
		if _, ok := want[mem.OrganizationID]; ok {
			counts[mem.OrganizationID]++
		}
	}
	return counts, nil
}

// Role store ---------------------------------------------------------------

type memRoles struct{ m *InMemory }

func (s memRoles) Create(ctx context.Context, role *Role, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := key2(role.OrganizationID, role.Name)
	if _, exists := s.m.roleByOrgName[k]; exists {
		return fmt.Errorf("%w: role %q already exists in organization", ErrConflict, role.Name)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	cp := *role
	s.m.roles[role.ID] = &cp
	s.m.roleByOrgName[k] = role.ID
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memRoles) Find(ctx context.Context, id string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	role, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s memRoles) FindByName(ctx context.Context, orgID, name string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.roleByOrgName[key2(orgID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.m.roles[id]
	return &cp, nil
}

func (s memRoles) ListByOrg(ctx context.Context, orgID string) ([]*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Role
	for _, role := range s.m.roles {
		if role.OrganizationID == orgID {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memRoles) Update(ctx context.Context, role *Role, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Name != role.Name {
		k := key2(cur.OrganizationID, role.Name)
		if _, exists := s.m.roleByOrgName[k]; exists {
			return fmt.Errorf("%w: role %q already exists in organization", ErrConflict, role.Name)
		}
		delete(s.m.roleByOrgName, key2(cur.OrganizationID, cur.Name))
		s.m.roleByOrgName[k] = cur.ID
	}
	cur.Name = role.Name
	cur.Description = role.Description
	cur.Priority = role.Priority
	cur.IsInheritable = role.IsInheritable
	cur.IsAssignable = role.IsAssignable
	cur.IsActive = role.IsActive
	cur.UpdatedAt = time.Now().UTC()
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memRoles) CountByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	want := make(map[string]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		want[id] = struct{}{}
	}
	counts := make(map[string]int, len(orgIDs))
	for _, role := range s.m.roles {
		if _, ok := want[role.OrganizationID]; ok {
			counts[role.OrganizationID]++
		}
	}
	return counts, nil
}

// Permission store ---------------------------------------------------------

type memPerms struct{ m *InMemory }

func (s memPerms) Ensure(ctx context.Context, perms []Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range perms {
		if _, exists := s.m.perms[p.Key]; exists {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = time.Now().UTC()
		cp := p
		s.m.perms[p.Key] = &cp
	}
	return nil
}

func (s memPerms) Find(ctx context.Context, key string) (*Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	p, ok := s.m.perms[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s memPerms) List(ctx context.Context) ([]Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Permission, 0, len(s.m.perms))
	for _, p := range s.m.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s memPerms) Grant(ctx context.Context, grant *RoleGrant, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	byKey := s.m.grants[grant.RoleID]
	if byKey == nil {
		byKey = make(map[string]*RoleGrant)
		s.m.grants[grant.RoleID] = byKey
	}
	if _, exists := byKey[grant.PermissionKey]; exists {
		return fmt.Errorf("%w: permission %q already granted", ErrConflict, grant.PermissionKey)
	}
	grant.CreatedAt = time.Now().UTC()
	byKey[grant.PermissionKey] = copyGrant(grant)
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memPerms) Revoke(ctx context.Context, roleID, key string, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	byKey := s.m.grants[roleID]
	if _, exists := byKey[key]; !exists {
		return fmt.Errorf("%w: permission %q is not granted", ErrNotFound, key)
	}
	delete(byKey, key)
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memPerms) GrantsForRole(ctx context.Context, roleID string) ([]*RoleGrant, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	byKey := s.m.grants[roleID]
	out := make([]*RoleGrant, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, copyGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionKey < out[j].PermissionKey })
	return out, nil
}

// Assignment store ---------------------------------------------------------

type memAssignments struct{ m *InMemory }

func (s memAssignments) Create(ctx context.Context, a *Assignment, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := key3(a.UserID, a.RoleID, a.OrganizationID)
	if _, exists := s.m.activeTriple[k]; exists {
		return fmt.Errorf("%w: active assignment already exists", ErrConflict)
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.IsActive = true
	s.m.assignments[a.ID] = copyAssignment(a)
	s.m.activeTriple[k] = a.ID
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memAssignments) Find(ctx context.Context, id string) (*Assignment, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	a, ok := s.m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAssignment(a), nil
}

func (s memAssignments) FindActive(ctx context.Context, userID, roleID, orgID string) (*Assignment, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.activeTriple[key3(userID, roleID, orgID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAssignment(s.m.assignments[id]), nil
}

func (s memAssignments) ListActiveByUserOrg(ctx context.Context, userID, orgID string) ([]*Assignment, error) {
	return s.listActive(func(a *Assignment) bool {
		return a.UserID == userID && a.OrganizationID == orgID
	})
}

func (s memAssignments) ListActiveByUser(ctx context.Context, userID string) ([]*Assignment, error) {
	return s.listActive(func(a *Assignment) bool { return a.UserID == userID })
}

func (s memAssignments) ListActiveByRole(ctx context.Context, roleID string) ([]*Assignment, error) {
	return s.listActive(func(a *Assignment) bool { return a.RoleID == roleID })
}

func (s memAssignments) listActive(match func(*Assignment) bool) ([]*Assignment, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Assignment
	for _, a := range s.m.assignments {
		if a.IsActive && match(a) {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memAssignments) Deactivate(ctx context.Context, id string, meta map[string]string, evt *audit.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.assignments[id]
	if !ok || !a.IsActive {
		return ErrNotFound
	}
	s.deactivateLocked(a, meta)
	s.m.appendAuditLocked(evt)
	return nil
}

func (s memAssignments) ExpireBefore(ctx context.Context, cutoff time.Time, evt *audit.Event) ([]*Assignment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var expired []*Assignment
	for _, a := range s.m.assignments {
		if !a.IsActive || a.ExpiresAt == nil || a.ExpiresAt.After(cutoff) {
			continue
		}
		s.deactivateLocked(a, map[string]string{MetaExpiredAt: cutoff.UTC().Format(time.RFC3339)})
		expired = append(expired, copyAssignment(a))
	}
	if len(expired) > 0 {
		s.m.appendAuditLocked(evt)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s memAssignments) deactivateLocked(a *Assignment, meta map[string]string) {
	a.IsActive = false
	a.UpdatedAt = time.Now().UTC()
	if a.Metadata == nil {
		a.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		a.Metadata[k] = v
	}
	delete(s.m.activeTriple, key3(a.UserID, a.RoleID, a.OrganizationID))
}
