package domain

import "errors"

// Sentinel errors. Callers branch on these with errors.Is; the transport
// layer fronting the engine maps them to user-visible responses without
// leaking internals.
var (
	ErrPropertyNotFound   = errors.New("property not found")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrDuplicateMembership surfaces a unique-constraint violation on
	// (property_id, user_id) when an insert races an existing row.
	ErrDuplicateMembership = errors.New("membership already exists for property and user")

	// ErrInvalidTransition rejects an illegal lifecycle move, e.g.
	// REVOKED back to ACTIVE.
	ErrInvalidTransition = errors.New("invalid membership status transition")

	ErrInvitationExpired       = errors.New("invitation has expired")
	ErrInvitationConsumed      = errors.New("invitation already used or revoked")
	ErrInvitationTokenMismatch = errors.New("invitation token does not match")

	// ErrStoreUnavailable wraps membership store I/O failures so callers
	// can tell an infrastructure outage apart from a policy denial.
	ErrStoreUnavailable = errors.New("membership store unavailable")

	// ErrActiveMembershipsRemain blocks property removal while anyone
	// other than the owner still holds active access.
	ErrActiveMembershipsRemain = errors.New("property has active memberships")

	// ErrLastOwner guards owner continuity: every property keeps at
	// least one active OWNER membership.
	ErrLastOwner = errors.New("property would be left without an active owner")

	ErrSelfRevocation        = errors.New("cannot revoke own membership")
	ErrOwnerTransferRequired = errors.New("owner role is granted through ownership transfer")

	// ErrRateLimited throttles repeated invitation acceptance attempts,
	// which would otherwise allow brute-forcing tokens.
	ErrRateLimited = errors.New("too many attempts")

	ErrNotAuthorized = errors.New("not authorized")
)
