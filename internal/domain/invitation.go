package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InvitationStatus tracks the lifecycle of an invitation. Expired
// invitations are folded into revoked; there is no separate state.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Invitation is a pending offer of a membership to an email address that
// may not yet map to a user id. The raw acceptance token is returned once
// at creation and only its bcrypt digest is stored.
type Invitation struct {
	ID         uuid.UUID
	PropertyID uuid.UUID
	Email      string
	Role       Role
	TokenHash  string
	InvitedBy  uuid.UUID
	Status     InvitationStatus
	ExpiresAt  time.Time
	AcceptedBy *uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the invitation's deadline has passed at t.
func (i *Invitation) Expired(t time.Time) bool {
	return t.After(i.ExpiresAt)
}

// InvitationRepository defines data access for invitations
type InvitationRepository interface {
	Create(ctx context.Context, invitation *Invitation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error)
	ListPendingByProperty(ctx context.Context, propertyID uuid.UUID) ([]*Invitation, error)
	UpdateStatus(ctx context.Context, invitation *Invitation) error
	// ExpirePending flips every PENDING invitation whose expiry is before
	// now to REVOKED and returns the number of rows changed.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}
