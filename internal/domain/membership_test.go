package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to MembershipStatus
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusRevoked, true},
		{StatusPending, StatusInactive, false},
		{StatusActive, StatusInactive, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusPending, false},
		{StatusInactive, StatusActive, true},
		{StatusInactive, StatusRevoked, true},
		{StatusInactive, StatusPending, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusInactive, false},
		{StatusRevoked, StatusPending, false},
		{StatusRevoked, StatusRevoked, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRevokedIsTerminal(t *testing.T) {
	for _, to := range []MembershipStatus{StatusPending, StatusActive, StatusInactive, StatusRevoked} {
		if CanTransition(StatusRevoked, to) {
			t.Errorf("expected no transition out of revoked, but revoked -> %s is allowed", to)
		}
	}
}

func TestKnownRole(t *testing.T) {
	for _, r := range []Role{RoleOwner, RolePropertyManager, RoleLeasingAgent, RoleMaintenanceCoordinator, RoleViewer} {
		if !KnownRole(r) {
			t.Errorf("expected %s to be a known role", r)
		}
	}
	if KnownRole(Role("janitor")) {
		t.Error("expected janitor to be unknown")
	}
	if KnownRole(Role("")) {
		t.Error("expected the empty role to be unknown")
	}
}

func TestIsActive(t *testing.T) {
	m := &Membership{Status: StatusActive}
	if !m.IsActive() {
		t.Error("expected active membership to report active")
	}
	for _, s := range []MembershipStatus{StatusPending, StatusInactive, StatusRevoked} {
		m.Status = s
		if m.IsActive() {
			t.Errorf("expected %s membership to report inactive", s)
		}
	}
}
