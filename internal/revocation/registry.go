package revocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/authz"
	"warden.org/internal/ids"
	"warden.org/internal/obs"
)

// DefaultSentinelTTL bounds how long a per-user emergency sentinel stays
// active. Any token issued before the sentinel expires is rejected, so the
// TTL only needs to outlive the longest-lived access token.
const DefaultSentinelTTL = 24 * time.Hour

// ReasonEmergency marks sentinels written by EmergencyRevokeAll.
const ReasonEmergency = "emergency_revocation"

const sentinelSuffix = ":*"

// SentinelTokenID returns the blacklist key that revokes every token of a
// user at once.
func SentinelTokenID(userID string) string {
	return "user:" + userID + sentinelSuffix
}

// IsSentinel reports whether tokenID is a per-user sentinel key.
func IsSentinel(tokenID string) bool {
	return strings.HasPrefix(tokenID, "user:") && strings.HasSuffix(tokenID, sentinelSuffix)
}

// Broadcaster fans an emergency revocation out to other processes. The Redis
// cache implements it; in single-process deployments it stays nil.
type Broadcaster interface {
	BroadcastFlush(ctx context.Context, userID string) error
}

// Registry is the token blacklist service. Checks always read the store
// directly; revocation decisions are never cached, so a blacklist write is
// visible to the next check.
type Registry struct {
	store Store
	audit audit.Store
	inval authz.Invalidator

	broadcast   Broadcaster
	sentinelTTL time.Duration
	now         func() time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithSentinelTTL overrides DefaultSentinelTTL.
func WithSentinelTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.sentinelTTL = ttl
		}
	}
}

// WithBroadcaster wires cross-process flush on emergency revocation.
func WithBroadcaster(b Broadcaster) RegistryOption {
	return func(r *Registry) { r.broadcast = b }
}

// WithInvalidator wires permission-cache invalidation for revoked users.
func WithInvalidator(inv authz.Invalidator) RegistryOption {
	return func(r *Registry) {
		if inv != nil {
			r.inval = inv
		}
	}
}

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a Registry over the given stores.
func NewRegistry(store Store, auditStore audit.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:       store,
		audit:       auditStore,
		inval:       authz.NopInvalidator{},
		sentinelTTL: DefaultSentinelTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BlacklistInput describes a single-token revocation.
type BlacklistInput struct {
	TokenID        string
	UserID         string
	OrganizationID string
	Reason         string
	ExpiresAt      time.Time
	ActorID        string
}

// Blacklist revokes one token until ExpiresAt. Re-blacklisting an already
// revoked token updates its reason and expiry.
func (r *Registry) Blacklist(ctx context.Context, in BlacklistInput) error {
	if in.TokenID == "" || in.UserID == "" {
		return fmt.Errorf("%w: token id and user id are required", authz.ErrInvalidInput)
	}
	now := r.now()
	if !in.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is not in the future", authz.ErrInvalidInput, in.ExpiresAt.Format(time.RFC3339))
	}
	e := &Entry{
		TokenID:        in.TokenID,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		Reason:         in.Reason,
		RevokedAt:      now,
		ExpiresAt:      in.ExpiresAt,
	}
	evt := r.event(in.ActorID, "token.blacklisted", in.TokenID, audit.ResultSuccess, map[string]any{
		"user_id":    in.UserID,
		"reason":     in.Reason,
		"expires_at": in.ExpiresAt.Format(time.RFC3339),
	})
	if err := r.store.Upsert(ctx, e, evt); err != nil {
		return fmt.Errorf("%w: blacklist token: %v", authz.ErrInternal, err)
	}
	return nil
}

// IsBlacklisted reports whether the token itself has a live blacklist entry.
func (r *Registry) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	e, err := r.store.Find(ctx, tokenID)
	if err != nil {
		// Fail closed: a store error must not let a revoked token through.
		obs.ObserveBlacklistCheck("error")
		return true, fmt.Errorf("%w: blacklist lookup: %v", authz.ErrInternal, err)
	}
	if e != nil && e.Live(r.now()) {
		obs.ObserveBlacklistCheck("revoked")
		return true, nil
	}
	obs.ObserveBlacklistCheck("clear")
	return false, nil
}

// IsUserRevoked reports whether an emergency sentinel is live for the user.
func (r *Registry) IsUserRevoked(ctx context.Context, userID string) (bool, error) {
	return r.IsBlacklisted(ctx, SentinelTokenID(userID))
}

// CheckToken reports whether either the token or its user is revoked.
func (r *Registry) CheckToken(ctx context.Context, tokenID, userID string) (bool, error) {
	if revoked, err := r.IsBlacklisted(ctx, tokenID); err != nil || revoked {
		return revoked, err
	}
	if userID == "" {
		return false, nil
	}
	return r.IsUserRevoked(ctx, userID)
}

// EmergencyRevokeAll invalidates every outstanding token of a user by writing
// the per-user sentinel. The user's cached permission sets are flushed and,
// when a broadcaster is wired, the flush is fanned out to peer processes.
// Calling it again refreshes the sentinel expiry.
func (r *Registry) EmergencyRevokeAll(ctx context.Context, userID, reason, actorID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", authz.ErrInvalidInput)
	}
	if reason == "" {
		reason = ReasonEmergency
	}
	now := r.now()
	e := &Entry{
		TokenID:   SentinelTokenID(userID),
		UserID:    userID,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: now.Add(r.sentinelTTL),
	}
	evt := r.event(actorID, "token.emergency_revoked", userID, audit.ResultWarning, map[string]any{
		"user_id":      userID,
		"reason":       reason,
		"sentinel_ttl": r.sentinelTTL.String(),
	})
	if err := r.store.Upsert(ctx, e, evt); err != nil {
		return fmt.Errorf("%w: emergency revoke: %v", authz.ErrInternal, err)
	}
	r.inval.InvalidateUser(ctx, userID)
	if r.broadcast != nil {
		if err := r.broadcast.BroadcastFlush(ctx, userID); err != nil {
			// The sentinel is already durable; peers converge on next check.
			obs.LogEvent(map[string]any{
				"level":   "warn",
				"msg":     "emergency revocation broadcast failed",
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// CleanupExpired removes entries whose expiry has passed and returns how many
// were dropped. Safe to run repeatedly.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	now := r.now()
	evt := r.event("", "blacklist.cleaned", "", audit.ResultSuccess, map[string]any{
		"cutoff": now.Format(time.RFC3339),
	})
	removed, err := r.store.DeleteExpired(ctx, now, evt)
	if err != nil {
		return removed, fmt.Errorf("%w: blacklist cleanup: %v", authz.ErrInternal, err)
	}
	return removed, nil
}

func (r *Registry) event(actorID, eventType, resourceID, result string, details map[string]any) *audit.Event {
	return &audit.Event{
		ID:           ids.New(),
		EventType:    eventType,
		Category:     audit.CategoryRevocation,
		ActorUserID:  actorID,
		ResourceType: "token",
		ResourceID:   resourceID,
		Action:       eventType,
		Result:       result,
		Details:      details,
		OccurredAt:   r.now(),
	}
}
