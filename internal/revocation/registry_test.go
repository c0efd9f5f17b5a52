package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/cache"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *audit.Memory, func(time.Duration)) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auditStore := audit.NewMemory()
	clock := func() time.Time { return now }
	opts = append([]RegistryOption{WithRegistryClock(clock)}, opts...)
	reg := NewRegistry(NewMemory(auditStore), auditStore, opts...)
	advance := func(d time.Duration) { now = now.Add(d) }
	return reg, auditStore, advance
}

func TestBlacklistValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Blacklist(ctx, BlacklistInput{UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	if !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("missing token id: err = %v", err)
	}
	err = reg.Blacklist(ctx, BlacklistInput{TokenID: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	if !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("missing user id: err = %v", err)
	}
	err = reg.Blacklist(ctx, BlacklistInput{
		TokenID:   "tok",
		UserID:    "u1",
		ExpiresAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("past expiry: err = %v", err)
	}
}

func TestBlacklistLifecycle(t *testing.T) {
	reg, auditStore, advance := newTestRegistry(t)
	ctx := context.Background()

	revoked, err := reg.IsBlacklisted(ctx, "tok-1")
	if err != nil || revoked {
		t.Fatalf("unknown token: revoked=%v err=%v", revoked, err)
	}

	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if err := reg.Blacklist(ctx, BlacklistInput{
		TokenID:   "tok-1",
		UserID:    "u1",
		Reason:    "logout",
		ExpiresAt: expires,
		ActorID:   "u1",
	}); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	revoked, err = reg.IsBlacklisted(ctx, "tok-1")
	if err != nil || !revoked {
		t.Fatalf("after blacklist: revoked=%v err=%v", revoked, err)
	}

	// Re-blacklisting the same token extends its expiry.
	if err := reg.Blacklist(ctx, BlacklistInput{
		TokenID:   "tok-1",
		UserID:    "u1",
		Reason:    "rotated",
		ExpiresAt: expires.Add(time.Hour),
	}); err != nil {
		t.Fatalf("re-blacklist: %v", err)
	}

	advance(90 * time.Minute)
	revoked, err = reg.IsBlacklisted(ctx, "tok-1")
	if err != nil || !revoked {
		t.Fatalf("extended entry expired early: revoked=%v err=%v", revoked, err)
	}
	advance(time.Hour)
	revoked, err = reg.IsBlacklisted(ctx, "tok-1")
	if err != nil || revoked {
		t.Fatalf("expired entry still revoked: revoked=%v err=%v", revoked, err)
	}

	found := false
	for _, evt := range auditStore.Events() {
		if evt.EventType == "token.blacklisted" && evt.ResourceID == "tok-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("blacklist write was not audited")
	}
}

func TestEmergencyRevokeAll(t *testing.T) {
	local := cache.NewMemory()
	reg, auditStore, advance := newTestRegistry(t, WithInvalidator(local))
	ctx := context.Background()

	// Seed a cached resolution that the revocation must flush.
	local.Set(ctx, "u1", "o1", &authz.ResolvedSet{UserID: "u1", OrganizationID: "o1"}, time.Hour)

	if err := reg.EmergencyRevokeAll(ctx, "", "", "admin"); !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("empty user id: err = %v", err)
	}
	if err := reg.EmergencyRevokeAll(ctx, "u1", "", "admin"); err != nil {
		t.Fatalf("emergency revoke: %v", err)
	}
	if local.Len() != 0 {
		t.Fatalf("cached resolutions survived emergency revocation")
	}

	revoked, err := reg.IsUserRevoked(ctx, "u1")
	if err != nil || !revoked {
		t.Fatalf("sentinel not live: revoked=%v err=%v", revoked, err)
	}
	// A token with no individual entry is still rejected through the sentinel.
	revoked, err = reg.CheckToken(ctx, "tok-unseen", "u1")
	if err != nil || !revoked {
		t.Fatalf("sentinel did not cover token: revoked=%v err=%v", revoked, err)
	}
	revoked, err = reg.CheckToken(ctx, "tok-unseen", "u2")
	if err != nil || revoked {
		t.Fatalf("other user caught by sentinel: revoked=%v err=%v", revoked, err)
	}

	var evt *audit.Event
	for _, e := range auditStore.Events() {
		if e.EventType == "token.emergency_revoked" {
			cp := e
			evt = &cp
		}
	}
	if evt == nil {
		t.Fatalf("emergency revocation was not audited")
	}
	if evt.Result != audit.ResultWarning {
		t.Fatalf("result = %q, want %q", evt.Result, audit.ResultWarning)
	}
	if evt.Details["reason"] != ReasonEmergency {
		t.Fatalf("reason = %v", evt.Details["reason"])
	}

	advance(DefaultSentinelTTL + time.Minute)
	revoked, err = reg.IsUserRevoked(ctx, "u1")
	if err != nil || revoked {
		t.Fatalf("sentinel outlived ttl: revoked=%v err=%v", revoked, err)
	}
}

func TestEmergencyRevokeRefreshesSentinel(t *testing.T) {
	reg, _, advance := newTestRegistry(t, WithSentinelTTL(time.Hour))
	ctx := context.Background()

	if err := reg.EmergencyRevokeAll(ctx, "u1", "breach", "admin"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	advance(45 * time.Minute)
	if err := reg.EmergencyRevokeAll(ctx, "u1", "breach", "admin"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	advance(45 * time.Minute)
	revoked, err := reg.IsUserRevoked(ctx, "u1")
	if err != nil || !revoked {
		t.Fatalf("refreshed sentinel expired: revoked=%v err=%v", revoked, err)
	}
}

func TestCleanupExpired(t *testing.T) {
	reg, _, advance := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tok := range []string{"tok-a", "tok-b"} {
		if err := reg.Blacklist(ctx, BlacklistInput{
			TokenID:   tok,
			UserID:    "u1",
			ExpiresAt: base.Add(time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatalf("blacklist %s: %v", tok, err)
		}
	}

	if n, err := reg.CleanupExpired(ctx); err != nil || n != 0 {
		t.Fatalf("premature cleanup: n=%d err=%v", n, err)
	}
	advance(90 * time.Minute)
	if n, err := reg.CleanupExpired(ctx); err != nil || n != 1 {
		t.Fatalf("cleanup: n=%d err=%v", n, err)
	}
	if n, err := reg.CleanupExpired(ctx); err != nil || n != 0 {
		t.Fatalf("repeat cleanup: n=%d err=%v", n, err)
	}
	revoked, err := reg.IsBlacklisted(ctx, "tok-b")
	if err != nil || !revoked {
		t.Fatalf("live entry swept: revoked=%v err=%v", revoked, err)
	}
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, *Entry, *audit.Event) error { return errors.New("down") }
func (failingStore) Find(context.Context, string) (*Entry, error)       { return nil, errors.New("down") }
func (failingStore) DeleteExpired(context.Context, time.Time, *audit.Event) (int, error) {
	return 0, errors.New("down")
}

func TestIsBlacklistedFailsClosed(t *testing.T) {
	reg := NewRegistry(failingStore{}, audit.NewMemory())
	revoked, err := reg.IsBlacklisted(context.Background(), "tok-1")
	if !revoked {
		t.Fatalf("store error must read as revoked")
	}
	if !errors.Is(err, authz.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
}

func TestSentinelTokenID(t *testing.T) {
	id := SentinelTokenID("u1")
	if id != "user:u1:*" {
		t.Fatalf("sentinel id = %q", id)
	}
	if !IsSentinel(id) {
		t.Fatalf("IsSentinel(%q) = false", id)
	}
	if IsSentinel("tok-1") {
		t.Fatalf("plain token read as sentinel")
	}
}

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestExtractClaims(t *testing.T) {
	raw := signedToken(t, jwt.RegisteredClaims{ID: "tok-1", Subject: "u1"})
	claims, err := ExtractClaims(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if claims.TokenID != "tok-1" || claims.UserID != "u1" {
		t.Fatalf("claims = %+v", claims)
	}

	raw = signedToken(t, jwt.RegisteredClaims{Subject: "u1"})
	if _, err := ExtractClaims(raw); !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("missing jti: err = %v", err)
	}
	if _, err := ExtractClaims("not-a-jwt"); !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("garbage token: err = %v", err)
	}
}

func TestCheckBearer(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	raw := signedToken(t, jwt.RegisteredClaims{ID: "tok-1", Subject: "u1"})
	revoked, err := reg.CheckBearer(ctx, raw)
	if err != nil || revoked {
		t.Fatalf("clean bearer: revoked=%v err=%v", revoked, err)
	}

	if err := reg.EmergencyRevokeAll(ctx, "u1", "", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err = reg.CheckBearer(ctx, raw)
	if err != nil || !revoked {
		t.Fatalf("revoked bearer: revoked=%v err=%v", revoked, err)
	}

	revoked, err = reg.CheckBearer(ctx, "garbage")
	if !revoked || !errors.Is(err, authz.ErrInvalidInput) {
		t.Fatalf("unparsable bearer: revoked=%v err=%v", revoked, err)
	}
}
