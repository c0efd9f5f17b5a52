// Package pg persists the engine state in PostgreSQL. Mutations commit
// together with their audit event in a single transaction.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ authz.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Organizations(ctx context.Context) authz.OrganizationStore { return &organizations{s} }
func (s *Store) Users(ctx context.Context) authz.UserStore                 { return &users{s} }
func (s *Store) Memberships(ctx context.Context) authz.MembershipStore     { return &memberships{s} }
func (s *Store) Roles(ctx context.Context) authz.RoleStore                 { return &roles{s} }
func (s *Store) Permissions(ctx context.Context) authz.PermissionStore     { return &permissions{s} }
func (s *Store) Assignments(ctx context.Context) authz.AssignmentStore     { return &assignments{s} }
func (s *Store) Audit(ctx context.Context) audit.Store                     { return &auditLog{s} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteErr translates constraint violations into the engine's sentinels.
func mapWriteErr(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return authz.ErrConflict
		case pgErrForeignKeyViolation:
			return authz.ErrNotFound
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// insertAudit writes the event inside the caller's transaction so a rolled
// back mutation leaves no orphan audit row. A nil event is a no-op.
func insertAudit(ctx context.Context, tx *sql.Tx, evt *audit.Event) error {
	if evt == nil {
		return nil
	}
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	details := []byte("{}")
	if len(evt.Details) > 0 {
		raw, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = raw
	}
	_, err := tx.ExecContext(ctx, `
		insert into audit_log (id, event_type, category, actor_user_id, actor_org_id,
			resource_type, resource_id, action, result, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, evt.ID, evt.EventType, evt.Category, nullIfEmpty(evt.ActorUserID), nullIfEmpty(evt.ActorOrgID),
		evt.ResourceType, nullIfEmpty(evt.ResourceID), evt.Action, evt.Result, details, evt.OccurredAt)
	return err
}

// withTx runs fn and the audit insert in one transaction.
func (s *Store) withTx(ctx context.Context, evt *audit.Event, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}
