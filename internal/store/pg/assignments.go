package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
)

type assignments struct {
	s *Store
}

const assignmentColumns = `id, user_id, role_id, organization_id, granted_at, expires_at,
	conditions, is_active, metadata, created_at, updated_at`

func scanAssignment(scan func(dest ...any) error) (*authz.Assignment, error) {
	var (
		a       authz.Assignment
		expires sql.NullTime
		rawCond []byte
		rawMeta []byte
	)
	if err := scan(&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.GrantedAt, &expires,
		&rawCond, &a.IsActive, &rawMeta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	cond, err := unmarshalMeta(rawCond)
	if err != nil {
		return nil, err
	}
	a.Conditions = cond
	meta, err := unmarshalMeta(rawMeta)
	if err != nil {
		return nil, err
	}
	a.Metadata = meta
	return &a, nil
}

func (q *assignments) Create(ctx context.Context, a *authz.Assignment, evt *audit.Event) error {
	condJSON, err := marshalMeta(a.Conditions)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMeta(a.Metadata)
	if err != nil {
		return err
	}
	var expires any
	if a.ExpiresAt != nil {
		expires = *a.ExpiresAt
	}
	return q.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		// The partial unique index on active (user, role, org) triples turns a
		// duplicate active assignment into ErrConflict.
		err := tx.QueryRowContext(ctx, `
			insert into assignments (id, user_id, role_id, organization_id, granted_at,
				expires_at, conditions, is_active, metadata)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			returning created_at, updated_at
		`, a.ID, a.UserID, a.RoleID, a.OrganizationID, a.GrantedAt, expires, condJSON, a.IsActive, metaJSON).
			Scan(&a.CreatedAt, &a.UpdatedAt)
		return mapWriteErr(err)
	})
}

func (q *assignments) Find(ctx context.Context, id string) (*authz.Assignment, error) {
	row := q.s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from assignments where id = $1`, id)
	a, err := scanAssignment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (q *assignments) FindActive(ctx context.Context, userID, roleID, orgID string) (*authz.Assignment, error) {
	row := q.s.db.QueryRowContext(ctx, `
		select `+assignmentColumns+` from assignments
		where user_id = $1 and role_id = $2 and organization_id = $3 and is_active
	`, userID, roleID, orgID)
	a, err := scanAssignment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (q *assignments) ListActiveByUserOrg(ctx context.Context, userID, orgID string) ([]*authz.Assignment, error) {
	return q.list(ctx, `
		select `+assignmentColumns+` from assignments
		where user_id = $1 and organization_id = $2 and is_active
		order by id
	`, userID, orgID)
}

func (q *assignments) ListActiveByUser(ctx context.Context, userID string) ([]*authz.Assignment, error) {
	return q.list(ctx, `
		select `+assignmentColumns+` from assignments
		where user_id = $1 and is_active
		order by id
	`, userID)
}

func (q *assignments) ListActiveByRole(ctx context.Context, roleID string) ([]*authz.Assignment, error) {
	return q.list(ctx, `
		select `+assignmentColumns+` from assignments
		where role_id = $1 and is_active
		order by id
	`, roleID)
}

func (q *assignments) list(ctx context.Context, query string, args ...any) ([]*authz.Assignment, error) {
	rows, err := q.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*authz.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (q *assignments) Deactivate(ctx context.Context, id string, meta map[string]string, evt *audit.Event) error {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	return q.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update assignments
			set is_active = false, metadata = metadata || $2::jsonb, updated_at = now()
			where id = $1 and is_active
		`, id, metaJSON)
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

func (q *assignments) ExpireBefore(ctx context.Context, cutoff time.Time, evt *audit.Event) ([]*authz.Assignment, error) {
	var expired []*authz.Assignment
	commit := func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			update assignments
			set is_active = false,
				metadata = metadata || jsonb_build_object('expired_at', to_char($1::timestamptz, 'YYYY-MM-DD"T"HH24:MI:SS"Z"')),
				updated_at = now()
			where is_active and expires_at is not null and expires_at <= $1
			returning `+assignmentColumns+`
		`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAssignment(rows.Scan)
			if err != nil {
				return err
			}
			expired = append(expired, a)
		}
		return rows.Err()
	}

	tx, err := q.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := commit(tx); err != nil {
		return nil, err
	}
	// Nothing expired means nothing to audit.
	if len(expired) > 0 {
		if err := insertAudit(ctx, tx, evt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}
