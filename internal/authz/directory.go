package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/ids"
)

// Directory provisions users and organization memberships. Users are
// referenced by the rest of the engine, never owned.
type Directory struct {
	store Store
	inval Invalidator
	now   func() time.Time
}

// NewDirectory wires the directory service.
func NewDirectory(store Store, inval Invalidator, now func() time.Time) *Directory {
	if inval == nil {
		inval = NopInvalidator{}
	}
	if now == nil {
		now = time.Now
	}
	return &Directory{store: store, inval: inval, now: now}
}

// ProvisionUserInput describes a user to create or look up.
type ProvisionUserInput struct {
	Email      string
	ExternalID string
	ActorID    string
}

// ProvisionUser creates the user if the email is unknown, otherwise returns
// the existing record.
func (d *Directory) ProvisionUser(ctx context.Context, in ProvisionUserInput) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if existing, err := d.store.Users(ctx).FindByEmail(ctx, email); err == nil {
		return existing, nil
	}
	u := &User{
		ID:         ids.New(),
		Email:      email,
		ExternalID: strings.TrimSpace(in.ExternalID),
		Active:     true,
	}
	evt := &audit.Event{
		EventType:    "user.provisioned",
		Category:     audit.CategoryAssignment,
		ActorUserID:  in.ActorID,
		ResourceType: "user",
		ResourceID:   u.ID,
		Action:       "provision",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"email": email},
	}
	if err := d.store.Users(ctx).Create(ctx, u, evt); err != nil {
		return nil, err
	}
	return u, nil
}

// AddMember links a user to an organization. At most one membership exists
// per pair; duplicates fail with ErrConflict.
func (d *Directory) AddMember(ctx context.Context, userID, orgID, memberType, actorID string) (*Membership, error) {
	switch memberType {
	case MemberTypeMember, MemberTypeAdmin, MemberTypeOwner, MemberTypeGuest:
	case "":
		memberType = MemberTypeMember
	default:
		return nil, fmt.Errorf("%w: unsupported membership type %q", ErrInvalidInput, memberType)
	}
	user, err := d.store.Users(ctx).Find(ctx, userID)
	if err != nil || !user.Active {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	org, err := d.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil || !org.Active {
		return nil, fmt.Errorf("%w: organization", ErrNotFound)
	}

	m := &Membership{
		ID:             ids.New(),
		UserID:         userID,
		OrganizationID: orgID,
		Status:         MembershipActive,
		Type:           memberType,
	}
	evt := &audit.Event{
		EventType:    "membership.created",
		Category:     audit.CategoryAssignment,
		ActorUserID:  actorID,
		ActorOrgID:   orgID,
		ResourceType: "membership",
		ResourceID:   m.ID,
		Action:       "add_member",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"user_id": userID, "type": memberType},
	}
	if err := d.store.Memberships(ctx).Create(ctx, m, evt); err != nil {
		return nil, err
	}
	d.inval.InvalidateUserOrg(ctx, userID, orgID)
	return m, nil
}

// UpdateMemberStatus transitions a membership between active, inactive,
// pending and suspended.
func (d *Directory) UpdateMemberStatus(ctx context.Context, userID, orgID, status, actorID string) error {
	switch status {
	case MembershipActive, MembershipInactive, MembershipPending, MembershipSuspended:
	default:
		return fmt.Errorf("%w: unsupported membership status %q", ErrInvalidInput, status)
	}
	evt := &audit.Event{
		EventType:    "membership.status_changed",
		Category:     audit.CategoryAssignment,
		ActorUserID:  actorID,
		ActorOrgID:   orgID,
		ResourceType: "membership",
		ResourceID:   userID,
		Action:       "update_status",
		Result:       audit.ResultSuccess,
		Details:      map[string]any{"user_id": userID, "status": status},
	}
	if err := d.store.Memberships(ctx).UpdateStatus(ctx, userID, orgID, status, evt); err != nil {
		return err
	}
	d.inval.InvalidateUserOrg(ctx, userID, orgID)
	return nil
}
