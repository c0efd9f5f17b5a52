package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/ids"
	"warden.org/internal/revocation"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func orgRow(org *authz.Organization) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "parent_id", "path", "active", "metadata", "created_at", "updated_at"}).
		AddRow(org.ID, org.Name, org.ParentID, org.Path, org.Active, []byte(`{}`), org.CreatedAt, org.UpdatedAt)
}

func TestOrganizationsFind(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	want := &authz.Organization{
		ID:        ids.New(),
		Name:      "Acme",
		Path:      "acme",
		Active:    true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	mock.ExpectQuery("select (.+) from organizations where id = \\$1").
		WithArgs(want.ID).
		WillReturnRows(orgRow(want))

	got, err := store.Organizations(ctx).Find(ctx, want.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Path != "acme" || got.Metadata != nil {
		t.Fatalf("unexpected org: %+v", got)
	}

	mock.ExpectQuery("select (.+) from organizations where id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.Organizations(ctx).Find(ctx, "missing"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("missing org: err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListSubtreeEscapesLikeWildcards(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// Underscores survive path sanitization, so the LIKE pattern must match
	// them literally; 'my_org.%' unescaped would also cover 'myxorg.child'.
	root := &authz.Organization{
		ID:        ids.New(),
		Name:      "my_org",
		Path:      "my_org",
		Active:    true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	mock.ExpectQuery(`select (.+) from organizations where \(path = \$1 or path like \$2 escape`).
		WithArgs("my_org", `my\_org.%`).
		WillReturnRows(orgRow(root))

	got, err := store.Organizations(ctx).ListSubtree(ctx, "my_org", false)
	if err != nil {
		t.Fatalf("ListSubtree: %v", err)
	}
	if len(got) != 1 || got[0].Path != "my_org" {
		t.Fatalf("unexpected subtree: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLikeEscape(t *testing.T) {
	cases := map[string]string{
		"acme":       "acme",
		"my_org":     `my\_org`,
		"a_b_c":      `a\_b\_c`,
		"pct%seg":    `pct\%seg`,
		`back\slash`: `back\\slash`,
		`mix\_%`:     `mix\\\_\%`,
	}
	for input, expected := range cases {
		if got := likeEscape(input); got != expected {
			t.Fatalf("likeEscape(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestOrganizationsCreateCommitsWithAudit(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	org := &authz.Organization{
		ID:     ids.New(),
		Name:   "Acme",
		Path:   "acme",
		Active: true,
	}
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into organizations").
		WithArgs(org.ID, org.Name, sqlmock.AnyArg(), org.Path, org.Active, []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), "org.created", audit.CategoryHierarchy, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"organization", sqlmock.AnyArg(), "create", audit.ResultSuccess, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evt := &audit.Event{
		EventType:    "org.created",
		Category:     audit.CategoryHierarchy,
		ResourceType: "organization",
		ResourceID:   org.ID,
		Action:       "create",
		Result:       audit.ResultSuccess,
	}
	if err := store.Organizations(ctx).Create(ctx, org, evt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if org.CreatedAt.IsZero() {
		t.Fatalf("created_at was not populated from the returning clause")
	}
	if evt.ID == "" || evt.OccurredAt.IsZero() {
		t.Fatalf("audit event defaults were not filled: %+v", evt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMapsUniqueViolationToConflict(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into organizations").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "organizations_path_key"})
	mock.ExpectRollback()

	org := &authz.Organization{ID: ids.New(), Name: "Acme", Path: "acme", Active: true}
	err := store.Organizations(ctx).Create(ctx, org, nil)
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("duplicate path: err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignmentCreateMapsForeignKeyToNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into assignments").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "assignments_role_id_fkey"})
	mock.ExpectRollback()

	a := &authz.Assignment{
		ID:             ids.New(),
		UserID:         ids.New(),
		RoleID:         "missing-role",
		OrganizationID: ids.New(),
		GrantedAt:      time.Now().UTC(),
		IsActive:       true,
	}
	if err := store.Assignments(ctx).Create(ctx, a, nil); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("dangling role: err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBlacklistFindAbsentIsNil(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("select (.+) from token_blacklist").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}))

	e, err := store.Blacklist().Find(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if e != nil {
		t.Fatalf("absent token returned entry: %+v", e)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBlacklistUpsertAndFind(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("insert into token_blacklist").
		WithArgs("tok-1", "u1", sqlmock.AnyArg(), sqlmock.AnyArg(), now, exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry := &revocation.Entry{
		TokenID:   "tok-1",
		UserID:    "u1",
		Reason:    "logout",
		RevokedAt: now,
		ExpiresAt: exp,
	}
	if err := store.Blacklist().Upsert(ctx, entry, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	mock.ExpectQuery("select (.+) from token_blacklist").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "user_id", "organization_id", "reason", "revoked_at", "expires_at"}).
			AddRow("tok-1", "u1", "", "logout", now, exp))

	e, err := store.Blacklist().Find(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if e.TokenID != "tok-1" || !e.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditPurge(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	mock.ExpectExec("delete from audit_log where occurred_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.Audit(ctx).Purge(ctx, cutoff)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 7 {
		t.Fatalf("purged = %d, want 7", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
