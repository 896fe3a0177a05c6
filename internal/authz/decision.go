package authz

import "github.com/rentora/propaccess/internal/domain"

// DenyReason is a machine-readable explanation attached to every denial
type DenyReason string

const (
	DenyUnauthenticated   DenyReason = "unauthenticated"
	DenyNoMembership      DenyReason = "no_membership"
	DenyInsufficientRole  DenyReason = "insufficient_role"
	DenyUnknownCapability DenyReason = "unknown_capability"
	DenyStoreUnavailable  DenyReason = "store_unavailable"
	DenyTimeout           DenyReason = "timeout"
)

// Decision is the result of an authorization check. Reason is empty when
// Allowed is true. Role carries the effective role that produced the
// decision, when one was resolved. Consistent reflects whether the
// property's legacy owner attribute and its membership rows agreed at
// evaluation time; it is advisory and never changes the outcome.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Reason     DenyReason  `json:"reason,omitempty"`
	Role       domain.Role `json:"role,omitempty"`
	Consistent bool        `json:"consistent"`
}

// Allow builds an allow decision carrying the effective role
func Allow(role domain.Role, consistent bool) Decision {
	return Decision{Allowed: true, Role: role, Consistent: consistent}
}

// Deny builds a deny decision with the given reason
func Deny(reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason, Consistent: true}
}
