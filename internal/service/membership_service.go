package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/internal/security/audit"
)

// MembershipService applies membership lifecycle changes. Every status
// move is validated against the transition table; REVOKED rows only
// come back through a fresh invitation, never through this service.
type MembershipService struct {
	memberships domain.MembershipRepository
	engine      *authz.Engine
	auditLog    *audit.Logger
	logger      *slog.Logger
}

// NewMembershipService creates a new membership service
func NewMembershipService(
	memberships domain.MembershipRepository,
	engine *authz.Engine,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *MembershipService {
	if logger == nil {
		logger = slog.Default()
	}

	return &MembershipService{
		memberships: memberships,
		engine:      engine,
		auditLog:    auditLog,
		logger:      logger,
	}
}

// Revoke permanently removes a user's membership on a property. The
// target loses access on the next decision; there is no grace period.
func (s *MembershipService) Revoke(ctx context.Context, actorID, propertyID, targetUserID uuid.UUID) error {
	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, propertyID, authz.CapManageUsers); err != nil {
		return err
	}
	if actorID == targetUserID {
		return domain.ErrSelfRevocation
	}

	return s.transition(ctx, actorID, propertyID, targetUserID, domain.StatusRevoked, "revoked")
}

// Deactivate suspends a membership without destroying it. Members may
// deactivate their own membership to leave a property; suspending
// someone else requires manage_users.
func (s *MembershipService) Deactivate(ctx context.Context, actorID, propertyID, targetUserID uuid.UUID) error {
	if actorID != targetUserID {
		if err := requireCapability(ctx, s.engine, s.auditLog, actorID, propertyID, authz.CapManageUsers); err != nil {
			return err
		}
	}

	return s.transition(ctx, actorID, propertyID, targetUserID, domain.StatusInactive, "deactivated")
}

// Reactivate restores a suspended membership. Only INACTIVE rows
// qualify; a REVOKED row is rejected with ErrInvalidTransition and
// needs a new invitation instead.
func (s *MembershipService) Reactivate(ctx context.Context, actorID, propertyID, targetUserID uuid.UUID) error {
	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, propertyID, authz.CapManageUsers); err != nil {
		return err
	}

	return s.transition(ctx, actorID, propertyID, targetUserID, domain.StatusActive, "reactivated")
}

// transition moves the target's membership to the requested status after
// checking the lifecycle table and owner continuity.
func (s *MembershipService) transition(ctx context.Context, actorID, propertyID, targetUserID uuid.UUID, to domain.MembershipStatus, change string) error {
	membership, err := s.memberships.Get(ctx, propertyID, targetUserID)
	if err != nil {
		return err
	}

	from := membership.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, to)
	}

	// Taking away an active owner must not leave the property ownerless
	if membership.Role == domain.RoleOwner && membership.IsActive() && to != domain.StatusActive {
		others, err := s.otherActiveOwners(ctx, propertyID, targetUserID)
		if err != nil {
			return err
		}
		if others == 0 {
			return domain.ErrLastOwner
		}
	}

	membership.Status = to
	if err := s.memberships.UpdateStatus(ctx, membership); err != nil {
		return err
	}

	metrics.RecordMembershipTransition(string(from), string(to))
	s.auditLog.LogMembershipChange(ctx, propertyID.String(), actorID.String(), targetUserID.String(), change, string(from)+" to "+string(to))
	s.logger.Info("membership "+change,
		slog.String("property_id", propertyID.String()),
		slog.String("user_id", targetUserID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// ChangeRole assigns a different non-owner role to an existing member.
// The new role applies to ACTIVE rows immediately and to PENDING rows
// upon acceptance.
func (s *MembershipService) ChangeRole(ctx context.Context, actorID, propertyID, targetUserID uuid.UUID, role domain.Role) error {
	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, propertyID, authz.CapManageUsers); err != nil {
		return err
	}
	if !domain.KnownRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	if role == domain.RoleOwner {
		return domain.ErrOwnerTransferRequired
	}

	membership, err := s.memberships.Get(ctx, propertyID, targetUserID)
	if err != nil {
		return err
	}
	if membership.Status != domain.StatusActive && membership.Status != domain.StatusPending {
		return fmt.Errorf("%w: cannot change role in status %s", domain.ErrInvalidTransition, membership.Status)
	}

	// Demoting the only active owner would leave the property ownerless
	if membership.Role == domain.RoleOwner && membership.IsActive() {
		others, err := s.otherActiveOwners(ctx, propertyID, targetUserID)
		if err != nil {
			return err
		}
		if others == 0 {
			return domain.ErrLastOwner
		}
	}

	previous := membership.Role
	membership.Role = role
	if err := s.memberships.Upsert(ctx, membership); err != nil {
		return fmt.Errorf("failed to change role: %w", err)
	}

	s.auditLog.LogMembershipChange(ctx, propertyID.String(), actorID.String(), targetUserID.String(), "role_changed", string(previous)+" to "+string(role))
	s.logger.Info("membership role changed",
		slog.String("property_id", propertyID.String()),
		slog.String("user_id", targetUserID.String()),
		slog.String("from", string(previous)),
		slog.String("to", string(role)),
	)
	return nil
}

// TransferOwnership promotes an active member to OWNER and demotes the
// current owner to PROPERTY_MANAGER. The legacy primary_owner column is
// deliberately left untouched; the auditor reports the divergence until
// the column is migrated away.
func (s *MembershipService) TransferOwnership(ctx context.Context, actorID, propertyID, newOwnerID uuid.UUID) error {
	decision, err := s.engine.Authorize(ctx, actorID, propertyID, authz.CapManageUsers)
	if err != nil {
		return err
	}
	if !decision.Allowed || decision.Role != domain.RoleOwner {
		s.auditLog.LogDenied(ctx, propertyID.String(), actorID.String(), "ownership transfer requires owner role")
		return fmt.Errorf("%w: ownership transfer requires the owner role", domain.ErrNotAuthorized)
	}
	if actorID == newOwnerID {
		return errors.New("new owner must differ from current owner")
	}

	// 1. The incoming owner must already be an active member
	target, err := s.memberships.Get(ctx, propertyID, newOwnerID)
	if err != nil {
		return err
	}
	if !target.IsActive() {
		return errors.New("new owner must hold an active membership")
	}

	// 2. Promote the target first so the property is never ownerless
	previousRole := target.Role
	target.Role = domain.RoleOwner
	if err := s.memberships.Upsert(ctx, target); err != nil {
		return fmt.Errorf("failed to promote new owner: %w", err)
	}

	// 3. Demote the outgoing owner. A legacy-column owner has no row to
	// demote; their access ends because an active OWNER row now exists.
	actorRow, err := s.memberships.Get(ctx, propertyID, actorID)
	switch {
	case errors.Is(err, domain.ErrMembershipNotFound):
	case err != nil:
		return fmt.Errorf("failed to load current owner: %w", err)
	default:
		actorRow.Role = domain.RolePropertyManager
		if err := s.memberships.Upsert(ctx, actorRow); err != nil {
			// Both rows hold OWNER until this is retried; the auditor
			// reports the property in the meantime.
			s.logger.Error("failed to demote outgoing owner",
				slog.String("property_id", propertyID.String()),
				slog.String("user_id", actorID.String()),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("failed to demote outgoing owner: %w", err)
		}
	}

	s.auditLog.LogMembershipChange(ctx, propertyID.String(), actorID.String(), newOwnerID.String(), "ownership_transferred", string(previousRole)+" to owner")
	s.logger.Info("ownership transferred",
		slog.String("property_id", propertyID.String()),
		slog.String("from_user_id", actorID.String()),
		slog.String("to_user_id", newOwnerID.String()),
	)
	return nil
}

// otherActiveOwners counts distinct users besides exclude holding an
// ACTIVE OWNER membership on the property.
func (s *MembershipService) otherActiveOwners(ctx context.Context, propertyID, exclude uuid.UUID) (int, error) {
	members, err := s.memberships.ListActiveByProperty(ctx, propertyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list memberships: %w", err)
	}

	seen := map[uuid.UUID]bool{}
	for _, m := range members {
		if m.Role == domain.RoleOwner && m.UserID != exclude && !seen[m.UserID] {
			seen[m.UserID] = true
		}
	}
	return len(seen), nil
}
