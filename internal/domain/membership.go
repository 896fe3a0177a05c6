package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role grants a fixed capability set on one property
type Role string

const (
	RoleOwner                  Role = "owner"
	RolePropertyManager        Role = "property_manager"
	RoleLeasingAgent           Role = "leasing_agent"
	RoleMaintenanceCoordinator Role = "maintenance_coordinator"
	RoleViewer                 Role = "viewer"
)

// KnownRole reports whether r is one of the defined roles.
func KnownRole(r Role) bool {
	switch r {
	case RoleOwner, RolePropertyManager, RoleLeasingAgent, RoleMaintenanceCoordinator, RoleViewer:
		return true
	}
	return false
}

// MembershipStatus is the lifecycle state of a membership
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "pending"
	StatusActive   MembershipStatus = "active"
	StatusInactive MembershipStatus = "inactive"
	StatusRevoked  MembershipStatus = "revoked"
)

// membershipTransitions encodes the legal lifecycle edges. REVOKED is
// terminal: re-granting access requires a new membership, never a status
// flip back.
var membershipTransitions = map[MembershipStatus][]MembershipStatus{
	StatusPending:  {StatusActive, StatusRevoked},
	StatusActive:   {StatusInactive, StatusRevoked},
	StatusInactive: {StatusActive, StatusRevoked},
	StatusRevoked:  {},
}

// CanTransition reports whether a membership may move from one status to
// another.
func CanTransition(from, to MembershipStatus) bool {
	for _, next := range membershipTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Membership associates one user with one property under one role.
// Writes keep at most one row per (property, user) pair through upsert
// semantics; stores predating the uniqueness migration may still hold
// duplicate rows, which the auditor reports.
type Membership struct {
	ID         uuid.UUID
	PropertyID uuid.UUID
	UserID     uuid.UUID
	Role       Role
	Status     MembershipStatus
	InvitedBy  *uuid.UUID
	InvitedAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive returns true if the membership currently grants access.
func (m *Membership) IsActive() bool {
	return m.Status == StatusActive
}

// DuplicatePair identifies a (property, user) key holding more than one
// membership row, which violates the uniqueness invariant.
type DuplicatePair struct {
	PropertyID uuid.UUID
	UserID     uuid.UUID
	RowCount   int
}

// MembershipRepository defines data access for memberships. Every read
// must observe committed state: authorization decisions are made from
// these results and a stale read is a security defect, not a latency
// optimization.
type MembershipRepository interface {
	// ListActiveByProperty returns the ACTIVE memberships for a property.
	ListActiveByProperty(ctx context.Context, propertyID uuid.UUID) ([]*Membership, error)
	// ListActiveByUser returns the ACTIVE memberships held by a user.
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Membership, error)
	// Get returns the membership for a (property, user) pair in any
	// status, or ErrMembershipNotFound.
	Get(ctx context.Context, propertyID, userID uuid.UUID) (*Membership, error)
	// Upsert inserts or updates the row for (PropertyID, UserID).
	// Idempotent on the pair: concurrent calls serialize and never
	// produce a second row.
	Upsert(ctx context.Context, membership *Membership) error
	// UpdateStatus persists a status change already validated by the
	// caller against CanTransition.
	UpdateStatus(ctx context.Context, membership *Membership) error
	// ExpirePending revokes PENDING memberships invited before cutoff,
	// returning how many rows changed.
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
	// CountActiveByProperty counts ACTIVE memberships on a property.
	CountActiveByProperty(ctx context.Context, propertyID uuid.UUID) (int, error)
	// ListDuplicatePairs reports (property, user) keys with more than one
	// row. Empty on a healthy store.
	ListDuplicatePairs(ctx context.Context) ([]DuplicatePair, error)
}
