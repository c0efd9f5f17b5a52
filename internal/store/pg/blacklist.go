package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/revocation"
)

// Blacklist exposes the token blacklist backed by the same database.
func (s *Store) Blacklist() revocation.Store { return &blacklist{s} }

type blacklist struct {
	s *Store
}

var _ revocation.Store = (*blacklist)(nil)

func (b *blacklist) Upsert(ctx context.Context, e *revocation.Entry, evt *audit.Event) error {
	return b.s.withTx(ctx, evt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into token_blacklist (token_id, user_id, organization_id, reason, revoked_at, expires_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (token_id) do update
			set reason = excluded.reason, revoked_at = excluded.revoked_at, expires_at = excluded.expires_at
		`, e.TokenID, e.UserID, nullIfEmpty(e.OrganizationID), nullIfEmpty(e.Reason), e.RevokedAt, e.ExpiresAt)
		return mapWriteErr(err)
	})
}

func (b *blacklist) Find(ctx context.Context, tokenID string) (*revocation.Entry, error) {
	var e revocation.Entry
	err := b.s.db.QueryRowContext(ctx, `
		select token_id, user_id, coalesce(organization_id, ''), coalesce(reason, ''), revoked_at, expires_at
		from token_blacklist
		where token_id = $1
	`, tokenID).Scan(&e.TokenID, &e.UserID, &e.OrganizationID, &e.Reason, &e.RevokedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *blacklist) DeleteExpired(ctx context.Context, now time.Time, evt *audit.Event) (int, error) {
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `delete from token_blacklist where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if aff > 0 {
		if err := insertAudit(ctx, tx, evt); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(aff), nil
}
