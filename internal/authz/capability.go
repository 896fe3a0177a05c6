package authz

import "github.com/rentora/propaccess/internal/domain"

// Capability represents an atomic permitted action on a property
type Capability string

const (
	CapManageUsers       Capability = "manage_users"
	CapEditProperty      Capability = "edit_property"
	CapManageTenants     Capability = "manage_tenants"
	CapManageMaintenance Capability = "manage_maintenance"
	CapView              Capability = "view"
)

// roleCapabilities maps roles to their capabilities. OWNER is a strict
// superset of every other role; VIEWER holds exactly view. Roles outside
// the map grant nothing.
var roleCapabilities = map[domain.Role][]Capability{
	domain.RoleOwner: {
		CapManageUsers,
		CapEditProperty,
		CapManageTenants,
		CapManageMaintenance,
		CapView,
	},
	domain.RolePropertyManager: {
		CapEditProperty,
		CapManageTenants,
		CapManageMaintenance,
		CapView,
	},
	domain.RoleLeasingAgent: {
		CapManageTenants,
		CapView,
	},
	domain.RoleMaintenanceCoordinator: {
		CapManageMaintenance,
		CapView,
	},
	domain.RoleViewer: {
		CapView,
	},
}

// CapabilitiesFor returns the capability set for a role. Unrecognized
// roles get an empty set. The returned slice is a copy; mutating it does
// not affect the matrix.
func CapabilitiesFor(role domain.Role) []Capability {
	caps, exists := roleCapabilities[role]
	if !exists {
		return nil
	}
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// RoleHasCapability checks if a role grants a specific capability
func RoleHasCapability(role domain.Role, capability Capability) bool {
	caps, exists := roleCapabilities[role]
	if !exists {
		return false
	}
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

// KnownCapability reports whether the capability is one the matrix
// defines. Callers passing anything else have a bug; the engine denies
// rather than guessing.
func KnownCapability(capability Capability) bool {
	switch capability {
	case CapManageUsers, CapEditProperty, CapManageTenants, CapManageMaintenance, CapView:
		return true
	}
	return false
}
