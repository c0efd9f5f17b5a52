package pg

import (
	"context"
	"database/sql"
	"errors"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
)

type users struct {
	s *Store
}

const userColumns = `id, coalesce(external_id, ''), email, active, created_at, updated_at`

func scanUser(scan func(dest ...any) error) (*authz.User, error) {
	var u authz.User
	if err := scan(&u.ID, &u.ExternalID, &u.Email, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (u *users) Create(ctx context.Context, user *authz.User, evt *audit.Event) error {
	return u.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into users (id, external_id, email, active)
			values ($1, $2, $3, $4)
			returning created_at, updated_at
		`, user.ID, nullIfEmpty(user.ExternalID), user.Email, user.Active).
			Scan(&user.CreatedAt, &user.UpdatedAt)
		return mapWriteErr(err)
	})
}

func (u *users) Find(ctx context.Context, id string) (*authz.User, error) {
	row := u.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	user, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (u *users) FindByEmail(ctx context.Context, email string) (*authz.User, error) {
	row := u.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	user, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

type memberships struct {
	s *Store
}

const membershipColumns = `id, user_id, organization_id, status, member_type, created_at, updated_at`

func scanMembership(scan func(dest ...any) error) (*authz.Membership, error) {
	var m authz.Membership
	if err := scan(&m.ID, &m.UserID, &m.OrganizationID, &m.Status, &m.Type, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *memberships) Create(ctx context.Context, mem *authz.Membership, evt *audit.Event) error {
	return m.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into memberships (id, user_id, organization_id, status, member_type)
			values ($1, $2, $3, $4, $5)
			returning created_at, updated_at
		`, mem.ID, mem.UserID, mem.OrganizationID, mem.Status, mem.Type).
			Scan(&mem.CreatedAt, &mem.UpdatedAt)
		return mapWriteErr(err)
	})
}

func (m *memberships) Find(ctx context.Context, userID, orgID string) (*authz.Membership, error) {
	row := m.s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1 and organization_id = $2
	`, userID, orgID)
	mem, err := scanMembership(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mem, nil
}

func (m *memberships) UpdateStatus(ctx context.Context, userID, orgID, status string, evt *audit.Event) error {
	return m.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update memberships set status = $3, updated_at = now()
			where user_id = $1 and organization_id = $2
		`, userID, orgID, status)
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

func (m *memberships) ListByUser(ctx context.Context, userID string) ([]*authz.Membership, error) {
	rows, err := m.s.db.QueryContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1
		order by organization_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*authz.Membership
	for rows.Next() {
		mem, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *memberships) CountActiveByOrgs(ctx context.Context, orgIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(orgIDs))
	if len(orgIDs) == 0 {
		return counts, nil
	}
	rows, err := m.s.db.QueryContext(ctx, `
		select organization_id, count(*)
		from memberships
		where status = 'active' and organization_id = any($1)
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
