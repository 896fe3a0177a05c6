package authz

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/domain"
)

// InspectProperty classifies every ownership inconsistency visible from
// a property row and its ACTIVE memberships. It is pure: the resolver
// runs it on the live path and the auditor runs it during scans, so both
// produce identical findings for the same data.
func InspectProperty(prop *domain.Property, members []*domain.Membership) []domain.Finding {
	var owners []*domain.Membership
	ownerSeen := map[uuid.UUID]bool{}
	var legacyRow *domain.Membership
	for _, m := range members {
		if m.Role == domain.RoleOwner && !ownerSeen[m.UserID] {
			owners = append(owners, m)
			ownerSeen[m.UserID] = true
		}
		if prop.LegacyOwnerID != nil && m.UserID == *prop.LegacyOwnerID {
			legacyRow = m
		}
	}

	var findings []domain.Finding
	if legacy := prop.LegacyOwnerID; legacy != nil {
		switch {
		case legacyRow != nil && legacyRow.Role == domain.RoleOwner:
			// column and table agree
		case legacyRow != nil:
			findings = append(findings, domain.NewFinding(prop.ID, domain.FindingOwnerDivergence, map[string]string{
				"legacy_owner_id": legacy.String(),
				"membership_role": string(legacyRow.Role),
			}))
		case len(owners) > 0:
			findings = append(findings, domain.NewFinding(prop.ID, domain.FindingOwnerDivergence, map[string]string{
				"legacy_owner_id": legacy.String(),
				"active_owner_id": owners[0].UserID.String(),
			}))
		default:
			findings = append(findings, domain.NewFinding(prop.ID, domain.FindingLegacyOwnerWithoutMembership, map[string]string{
				"legacy_owner_id": legacy.String(),
			}))
		}
	} else if len(owners) == 0 && len(members) > 0 {
		findings = append(findings, domain.NewFinding(prop.ID, domain.FindingLegacyOwnerMissing, map[string]string{
			"active_members": strconv.Itoa(len(members)),
		}))
	}

	if len(owners) > 1 {
		findings = append(findings, domain.NewFinding(prop.ID, domain.FindingMultipleActiveOwners, map[string]string{
			"owner_count": strconv.Itoa(len(owners)),
		}))
	}

	return findings
}
