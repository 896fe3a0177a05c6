package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/domain"
)

// FindingReporter receives divergence findings observed during
// resolution. Implementations must not block; Report is called inline
// on the request path.
type FindingReporter interface {
	Report(f domain.Finding)
}

// Resolution is a user's effective standing on a property after
// reconciling the membership table with the legacy owner column.
type Resolution struct {
	Role         domain.Role
	HasRole      bool
	Consistent   bool
	LegacySource bool
}

// OwnershipResolver reconciles the two ownership sources. The membership
// table wins whenever both speak; the legacy column is honored only when
// the property has no ACTIVE OWNER row and the legacy owner holds no
// ACTIVE row of their own.
type OwnershipResolver struct {
	properties  domain.PropertyRepository
	memberships domain.MembershipRepository
	reporter    FindingReporter
	logger      *slog.Logger
}

// NewOwnershipResolver creates a resolver. reporter may be nil, in which
// case divergences are only logged.
func NewOwnershipResolver(properties domain.PropertyRepository, memberships domain.MembershipRepository, reporter FindingReporter, logger *slog.Logger) *OwnershipResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OwnershipResolver{
		properties:  properties,
		memberships: memberships,
		reporter:    reporter,
		logger:      logger,
	}
}

// Resolve computes the effective role of userID on propertyID. It reads
// both ownership sources, flags any disagreement between them, and never
// writes. Divergence findings are reported as a side channel but do not
// fail the call.
func (r *OwnershipResolver) Resolve(ctx context.Context, propertyID, userID uuid.UUID) (Resolution, error) {
	prop, err := r.properties.GetByID(ctx, propertyID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve ownership: %w", err)
	}

	members, err := r.memberships.ListActiveByProperty(ctx, propertyID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve ownership: %w", err)
	}

	res := Resolution{Consistent: true}
	for _, f := range InspectProperty(prop, members) {
		// An ownerless property with no legacy column is a hygiene
		// problem, not a disagreement between the two sources.
		if f.Type != domain.FindingLegacyOwnerMissing {
			res.Consistent = false
		}
		r.report(f)
	}

	// Duplicate rows for the same pair may exist in legacy data; rows
	// arrive oldest first, so the newest row for the user wins.
	ownerUsers := 0
	seen := map[uuid.UUID]bool{}
	var userRow, legacyRow *domain.Membership
	for _, m := range members {
		if m.Role == domain.RoleOwner && !seen[m.UserID] {
			ownerUsers++
			seen[m.UserID] = true
		}
		if m.UserID == userID {
			userRow = m
		}
		if prop.LegacyOwnerID != nil && m.UserID == *prop.LegacyOwnerID {
			legacyRow = m
		}
	}

	switch {
	case userRow != nil:
		res.Role = userRow.Role
		res.HasRole = true
	case prop.LegacyOwnerID != nil && *prop.LegacyOwnerID == userID && legacyRow == nil && ownerUsers == 0:
		// unmigrated property, the column is still the only owner record
		res.Role = domain.RoleOwner
		res.HasRole = true
		res.LegacySource = true
	}

	return res, nil
}

func (r *OwnershipResolver) report(f domain.Finding) {
	r.logger.Debug("ownership divergence detected",
		"property_id", f.PropertyID,
		"finding_type", f.Type,
	)
	if r.reporter != nil {
		r.reporter.Report(f)
	}
}
