package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/internal/security/audit"
)

// PropertyService handles property lifecycle and the read paths guarded
// by the access engine.
type PropertyService struct {
	properties  domain.PropertyRepository
	memberships domain.MembershipRepository
	engine      *authz.Engine
	auditLog    *audit.Logger
	logger      *slog.Logger
}

// NewPropertyService creates a new property service
func NewPropertyService(
	properties domain.PropertyRepository,
	memberships domain.MembershipRepository,
	engine *authz.Engine,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *PropertyService {
	if logger == nil {
		logger = slog.Default()
	}

	return &PropertyService{
		properties:  properties,
		memberships: memberships,
		engine:      engine,
		auditLog:    auditLog,
		logger:      logger,
	}
}

// CreateProperty registers a property and grants its creator an ACTIVE
// OWNER membership. The legacy primary_owner column is populated here,
// once, so readers that have not migrated keep working; from this point
// on the membership table is the authoritative ownership source and the
// column is never rewritten.
func (s *PropertyService) CreateProperty(ctx context.Context, ownerID uuid.UUID, name, address string) (*domain.Property, error) {
	// Validate input
	if ownerID == uuid.Nil {
		return nil, errors.New("owner id is required")
	}
	if name == "" || address == "" {
		return nil, errors.New("name and address are required")
	}

	// 1. Create the property with the legacy owner column set
	legacyOwner := ownerID
	property := &domain.Property{
		ID:            uuid.New(),
		Name:          name,
		Address:       address,
		LegacyOwnerID: &legacyOwner,
		IsActive:      true,
	}
	if err := s.properties.Create(ctx, property); err != nil {
		return nil, fmt.Errorf("failed to create property: %w", err)
	}

	// 2. Grant the creator an ACTIVE OWNER membership so both ownership
	// sources agree from the first read
	now := time.Now()
	membership := &domain.Membership{
		PropertyID: property.ID,
		UserID:     ownerID,
		Role:       domain.RoleOwner,
		Status:     domain.StatusActive,
		InvitedAt:  now,
		AcceptedAt: &now,
	}
	if err := s.memberships.Upsert(ctx, membership); err != nil {
		// Roll the property back rather than leave it resolvable only
		// through the legacy column
		if derr := s.properties.Deactivate(ctx, property.ID); derr != nil {
			s.logger.Error("failed to roll back property after membership failure",
				slog.String("property_id", property.ID.String()),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to create owner membership: %w", err)
	}

	metrics.RecordMembershipTransition("none", string(domain.StatusActive))
	s.auditLog.LogMembershipChange(ctx, property.ID.String(), ownerID.String(), ownerID.String(), "granted", "owner membership at property creation")
	s.logger.Info("property created",
		slog.String("property_id", property.ID.String()),
		slog.String("owner_id", ownerID.String()),
	)

	return property, nil
}

// GetProperty returns a property to a caller holding view access.
func (s *PropertyService) GetProperty(ctx context.Context, actorID, propertyID uuid.UUID) (*domain.Property, error) {
	if err := s.requireCapability(ctx, actorID, propertyID, authz.CapView); err != nil {
		return nil, err
	}

	property, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	return property, nil
}

// ListMembers returns the ACTIVE memberships on a property to a caller
// holding view access.
func (s *PropertyService) ListMembers(ctx context.Context, actorID, propertyID uuid.UUID) ([]*domain.Membership, error) {
	if err := s.requireCapability(ctx, actorID, propertyID, authz.CapView); err != nil {
		return nil, err
	}

	members, err := s.memberships.ListActiveByProperty(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// DeactivateProperty retires a property. Everyone but the owner must be
// offboarded first; a property never disappears out from under members
// who still hold access.
func (s *PropertyService) DeactivateProperty(ctx context.Context, actorID, propertyID uuid.UUID) error {
	if err := s.requireCapability(ctx, actorID, propertyID, authz.CapEditProperty); err != nil {
		return err
	}

	count, err := s.memberships.CountActiveByProperty(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("failed to count memberships: %w", err)
	}
	if count > 1 {
		return domain.ErrActiveMembershipsRemain
	}

	if err := s.properties.Deactivate(ctx, propertyID); err != nil {
		return err
	}

	s.auditLog.LogAction(ctx, propertyID.String(), actorID.String(), "deactivate", "property", propertyID.String(), "success", "")
	s.logger.Info("property deactivated",
		slog.String("property_id", propertyID.String()),
		slog.String("actor_id", actorID.String()),
	)
	return nil
}

func (s *PropertyService) requireCapability(ctx context.Context, userID, propertyID uuid.UUID, capability authz.Capability) error {
	return requireCapability(ctx, s.engine, s.auditLog, userID, propertyID, capability)
}

// requireCapability folds an access check into a single error: nil when
// allowed, ErrNotAuthorized tagged with the deny reason otherwise.
// Infrastructure failures pass through unchanged so callers can tell an
// outage apart from a policy denial.
func requireCapability(ctx context.Context, engine *authz.Engine, auditLog *audit.Logger, userID, propertyID uuid.UUID, capability authz.Capability) error {
	decision, err := engine.Authorize(ctx, userID, propertyID, capability)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		auditLog.LogDenied(ctx, propertyID.String(), userID.String(), string(decision.Reason))
		return fmt.Errorf("%w: %s", domain.ErrNotAuthorized, decision.Reason)
	}
	return nil
}
