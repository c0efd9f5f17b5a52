package pg

import (
	"context"
	"time"

	"warden.org/internal/audit"
)

type auditLog struct {
	s *Store
}

var _ audit.Store = (*auditLog)(nil)

func (a *auditLog) Append(ctx context.Context, evt *audit.Event) error {
	tx, err := a.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertAudit(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *auditLog) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := a.s.db.ExecContext(ctx, `delete from audit_log where occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
