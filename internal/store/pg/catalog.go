package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/ids"
)

type roles struct {
	s *Store
}

const roleColumns = `id, organization_id, name, coalesce(description, ''), priority,
	is_inheritable, is_assignable, is_active, created_at, updated_at`

func scanRole(scan func(dest ...any) error) (*authz.Role, error) {
	var r authz.Role
	if err := scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.Priority,
		&r.IsInheritable, &r.IsAssignable, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *roles) Create(ctx context.Context, role *authz.Role, evt *audit.Event) error {
	return r.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into roles (id, organization_id, name, description, priority,
				is_inheritable, is_assignable, is_active)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
			returning created_at, updated_at
		`, role.ID, role.OrganizationID, role.Name, nullIfEmpty(role.Description), role.Priority,
			role.IsInheritable, role.IsAssignable, role.IsActive).
			Scan(&role.CreatedAt, &role.UpdatedAt)
		return mapWriteErr(err)
	})
}

func (r *roles) Find(ctx context.Context, id string) (*authz.Role, error) {
	row := r.s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id)
	role, err := scanRole(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (r *roles) FindByName(ctx context.Context, orgID, name string) (*authz.Role, error) {
	row := r.s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles
		where organization_id = $1 and name = $2
	`, orgID, name)
	role, err := scanRole(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (r *roles) ListByOrg(ctx context.Context, orgID string) ([]*authz.Role, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles
		where organization_id = $1
		order by priority desc, name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*authz.Role
	for rows.Next() {
		role, err := scanRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *roles) Update(ctx context.Context, role *authz.Role, evt *audit.Event) error {
	return r.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update roles
			set name = $2, description = $3, priority = $4, is_inheritable = $5,
				is_assignable = $6, is_active = $7, updated_at = now()
			where id = $1
		`, role.ID, role.Name, nullIfEmpty(role.Description), role.Priority,
			role.IsInheritable, role.IsAssignable, role.IsActive)
		if err != nil {
			return mapWriteErr(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return authz.ErrNotFound
		}
		return nil
	})
}

func (r *roles) CountByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(orgIDs))
	if len(orgIDs) == 0 {
		return counts, nil
	}
	rows, err := r.s.db.QueryContext(ctx, `
		select organization_id, count(*)
		from roles
		where organization_id = any($1)
		group by organization_id
	`, orgIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orgID string
			n     int
		)
		if err := rows.Scan(&orgID, &n); err != nil {
			return nil, err
		}
		counts[orgID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

type permissions struct {
	s *Store
}

const permColumns = `id, key, category, scope, is_dangerous, coalesce(description, ''), created_at`

func scanPermission(scan func(dest ...any) error) (*authz.Permission, error) {
	var p authz.Permission
	if err := scan(&p.ID, &p.Key, &p.Category, &p.Scope, &p.IsDangerous, &p.Description, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *permissions) Ensure(ctx context.Context, perms []authz.Permission) error {
	tx, err := p.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, perm := range perms {
		id := perm.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, key, category, scope, is_dangerous, description)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (key) do nothing
		`, id, perm.Key, perm.Category, perm.Scope, perm.IsDangerous, nullIfEmpty(perm.Description)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *permissions) Find(ctx context.Context, key string) (*authz.Permission, error) {
	row := p.s.db.QueryRowContext(ctx, `select `+permColumns+` from permissions where key = $1`, key)
	perm, err := scanPermission(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return perm, nil
}

func (p *permissions) List(ctx context.Context) ([]authz.Permission, error) {
	rows, err := p.s.db.QueryContext(ctx, `select `+permColumns+` from permissions order by key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []authz.Permission
	for rows.Next() {
		perm, err := scanPermission(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *permissions) Grant(ctx context.Context, grant *authz.RoleGrant, evt *audit.Event) error {
	condJSON, err := marshalMeta(grant.Conditions)
	if err != nil {
		return err
	}
	return p.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into role_grants (role_id, permission_key, conditions)
			values ($1, $2, $3)
			returning created_at
		`, grant.RoleID, grant.PermissionKey, condJSON).Scan(&grant.CreatedAt)
		return mapWriteErr(err)
	})
}

func (p *permissions) Revoke(ctx context.Context, roleID, key string, evt *audit.Event) error {
	return p.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			delete from role_grants where role_id = $1 and permission_key = $2
		`, roleID, key)
		if err != nil {
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return authz.ErrNotFound
		}
		return nil
	})
}

func (p *permissions) GrantsForRole(ctx context.Context, roleID string) ([]*authz.RoleGrant, error) {
	rows, err := p.s.db.QueryContext(ctx, `
		select role_id, permission_key, conditions, created_at
		from role_grants
		where role_id = $1
		order by permission_key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*authz.RoleGrant
	for rows.Next() {
		var (
			g       authz.RoleGrant
			rawCond []byte
		)
		if err := rows.Scan(&g.RoleID, &g.PermissionKey, &rawCond, &g.CreatedAt); err != nil {
			return nil, err
		}
		if len(rawCond) > 0 {
			cond := map[string]string{}
			if err := json.Unmarshal(rawCond, &cond); err != nil {
				return nil, err
			}
			if len(cond) > 0 {
				g.Conditions = cond
			}
		}
		result = append(result, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
