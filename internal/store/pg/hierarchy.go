package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
)

type organizations struct {
	s *Store
}

const orgColumns = `id, name, coalesce(parent_id, ''), path, active, metadata, created_at, updated_at`

func scanOrg(scan func(dest ...any) error) (*authz.Organization, error) {
	var (
		org    authz.Organization
		rawMet []byte
	)
	if err := scan(&org.ID, &org.Name, &org.ParentID, &org.Path, &org.Active, &rawMet, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, err
	}
	meta, err := unmarshalMeta(rawMet)
	if err != nil {
		return nil, err
	}
	org.Metadata = meta
	return &org, nil
}

func (o *organizations) Create(ctx context.Context, org *authz.Organization, evt *audit.Event) error {
	metaJSON, err := marshalMeta(org.Metadata)
	if err != nil {
		return err
	}
	return o.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into organizations (id, name, parent_id, path, active, metadata)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at, updated_at
		`, org.ID, org.Name, nullIfEmpty(org.ParentID), org.Path, org.Active, metaJSON).
			Scan(&org.CreatedAt, &org.UpdatedAt)
		return mapWriteErr(err)
	})
}

func (o *organizations) Find(ctx context.Context, id string) (*authz.Organization, error) {
	row := o.s.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id = $1`, id)
	org, err := scanOrg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (o *organizations) FindByPath(ctx context.Context, path string) (*authz.Organization, error) {
	row := o.s.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where path = $1`, path)
	org, err := scanOrg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// likeEscape neutralizes LIKE metacharacters so a path segment containing an
// underscore matches literally instead of as a single-char wildcard.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return strings.ReplaceAll(s, `%`, `\%`)
}

func (o *organizations) ListSubtree(ctx context.Context, pathPrefix string, includeInactive bool) ([]*authz.Organization, error) {
	query := `select ` + orgColumns + ` from organizations where (path = $1 or path like $2 escape '\')`
	if !includeInactive {
		query += ` and active`
	}
	query += ` order by path`
	args := []any{pathPrefix, likeEscape(pathPrefix) + authz.PathSeparator + "%"}
	if pathPrefix == "" {
		// Whole forest.
		query = `select ` + orgColumns + ` from organizations`
		if !includeInactive {
			query += ` where active`
		}
		query += ` order by path`
		args = nil
	}

	rows, err := o.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*authz.Organization
	for rows.Next() {
		org, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, org)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *organizations) Update(ctx context.Context, org *authz.Organization, evt *audit.Event) error {
	metaJSON, err := marshalMeta(org.Metadata)
	if err != nil {
		return err
	}
	return o.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update organizations
			set name = $2, active = $3, metadata = $4, updated_at = now()
			where id = $1
		`, org.ID, org.Name, org.Active, metaJSON)
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

func (o *organizations) RewritePaths(ctx context.Context, rootID, newParentID string, rewrites []authz.PathRewrite, evt *audit.Event) error {
	return o.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update organizations
			set parent_id = $2, updated_at = now()
			where id = $1
		`, rootID, nullIfEmpty(newParentID))
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
		for _, rw := range rewrites {
			if _, err := tx.ExecContext(ctx, `
				update organizations set path = $2, updated_at = now() where id = $1
			`, rw.OrgID, rw.Path); err != nil {
				// The unique path index rejects collisions and rolls the whole
				// rewrite back.
				return mapWriteErr(err)
			}
		}
		return nil
	})
}
