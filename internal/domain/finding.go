package domain

import (
	"time"

	"github.com/google/uuid"
)

// FindingType classifies a consistency problem detected between the
// legacy owner column and the membership table
type FindingType string

const (
	// FindingLegacyOwnerWithoutMembership: legacy owner is set but holds
	// no ACTIVE membership row on the property.
	FindingLegacyOwnerWithoutMembership FindingType = "legacy_owner_without_membership"

	// FindingOwnerDivergence: the ACTIVE OWNER membership belongs to a
	// different user than the legacy owner column, or the legacy owner's
	// row carries a non-owner role.
	FindingOwnerDivergence FindingType = "owner_divergence"

	// FindingDuplicateMembership: more than one membership row exists for
	// the same (property, user) pair.
	FindingDuplicateMembership FindingType = "duplicate_membership"

	// FindingMultipleActiveOwners: a property carries more than one
	// ACTIVE OWNER membership row.
	FindingMultipleActiveOwners FindingType = "multiple_active_owners"

	// FindingLegacyOwnerMissing: a property has ACTIVE members but
	// neither a legacy owner column nor an ACTIVE OWNER row.
	FindingLegacyOwnerMissing FindingType = "legacy_owner_missing"
)

// Finding is a single report-only record emitted by the consistency
// auditor or the ownership resolver. Findings never mutate state; they
// are published to sinks for operators to act on.
type Finding struct {
	PropertyID uuid.UUID         `json:"property_id"`
	Type       FindingType       `json:"finding_type"`
	Details    map[string]string `json:"details,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}

// NewFinding builds a finding stamped with the current time
func NewFinding(propertyID uuid.UUID, ftype FindingType, details map[string]string) Finding {
	return Finding{
		PropertyID: propertyID,
		Type:       ftype,
		Details:    details,
		DetectedAt: time.Now().UTC(),
	}
}
