package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/domain"
)

type memPropertyRepo struct {
	byID map[uuid.UUID]*domain.Property
	err  error
}

func newMemPropertyRepo() *memPropertyRepo {
	return &memPropertyRepo{byID: map[uuid.UUID]*domain.Property{}}
}

func (m *memPropertyRepo) Create(ctx context.Context, p *domain.Property) error {
	if m.err != nil {
		return m.err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.byID[p.ID] = p
	return nil
}

func (m *memPropertyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Property, error) {
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, domain.ErrPropertyNotFound
}

func (m *memPropertyRepo) List(ctx context.Context, offset, limit int) ([]*domain.Property, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*domain.Property{}
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPropertyRepo) Count(ctx context.Context) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return len(m.byID), nil
}

func (m *memPropertyRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	if p, ok := m.byID[id]; ok {
		p.IsActive = false
		return nil
	}
	return domain.ErrPropertyNotFound
}

type memMembershipRepo struct {
	rows []*domain.Membership
	err  error
}

func (m *memMembershipRepo) ListActiveByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Membership, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*domain.Membership{}
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Membership, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*domain.Membership{}
	for _, r := range m.rows {
		if r.UserID == userID && r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) Get(ctx context.Context, propertyID, userID uuid.UUID) (*domain.Membership, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.UserID == userID {
			return r, nil
		}
	}
	return nil, domain.ErrMembershipNotFound
}

func (m *memMembershipRepo) Upsert(ctx context.Context, mem *domain.Membership) error {
	if m.err != nil {
		return m.err
	}
	for _, r := range m.rows {
		if r.PropertyID == mem.PropertyID && r.UserID == mem.UserID {
			r.Role = mem.Role
			r.Status = mem.Status
			r.UpdatedAt = time.Now()
			*mem = *r
			return nil
		}
	}
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	m.rows = append(m.rows, mem)
	return nil
}

func (m *memMembershipRepo) UpdateStatus(ctx context.Context, mem *domain.Membership) error {
	if m.err != nil {
		return m.err
	}
	for _, r := range m.rows {
		if r.ID == mem.ID {
			r.Status = mem.Status
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrMembershipNotFound
}

func (m *memMembershipRepo) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, r := range m.rows {
		if r.Status == domain.StatusPending && r.InvitedAt.Before(cutoff) {
			r.Status = domain.StatusRevoked
			n++
		}
	}
	return n, nil
}

func (m *memMembershipRepo) CountActiveByProperty(ctx context.Context, propertyID uuid.UUID) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *memMembershipRepo) ListDuplicatePairs(ctx context.Context) ([]domain.DuplicatePair, error) {
	if m.err != nil {
		return nil, m.err
	}
	counts := map[[2]uuid.UUID]int{}
	for _, r := range m.rows {
		counts[[2]uuid.UUID{r.PropertyID, r.UserID}]++
	}
	out := []domain.DuplicatePair{}
	for k, n := range counts {
		if n > 1 {
			out = append(out, domain.DuplicatePair{PropertyID: k[0], UserID: k[1], RowCount: n})
		}
	}
	return out, nil
}

type captureReporter struct {
	findings []domain.Finding
}

func (c *captureReporter) Report(f domain.Finding) {
	c.findings = append(c.findings, f)
}

func activeMember(propertyID, userID uuid.UUID, role domain.Role) *domain.Membership {
	now := time.Now()
	return &domain.Membership{
		ID:         uuid.New(),
		PropertyID: propertyID,
		UserID:     userID,
		Role:       role,
		Status:     domain.StatusActive,
		InvitedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func seedProperty(t *testing.T, props *memPropertyRepo, legacyOwner *uuid.UUID) uuid.UUID {
	t.Helper()
	p := &domain.Property{Name: "Maple Court", Address: "12 Maple St", LegacyOwnerID: legacyOwner, IsActive: true}
	if err := props.Create(context.Background(), p); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	return p.ID
}

func newTestEngine(props *memPropertyRepo, mems *memMembershipRepo, rep FindingReporter) *Engine {
	return NewEngine(NewOwnershipResolver(props, mems, rep, nil), nil)
}

func TestAuthorizeUnauthenticated(t *testing.T) {
	e := newTestEngine(newMemPropertyRepo(), &memMembershipRepo{}, nil)
	d, err := e.Authorize(context.Background(), uuid.Nil, uuid.New(), CapView)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyUnauthenticated {
		t.Fatalf("expected deny unauthenticated, got %+v", d)
	}
}

func TestAuthorizeUnknownCapability(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	owner := uuid.New()
	pid := seedProperty(t, props, nil)
	mems.rows = append(mems.rows, activeMember(pid, owner, domain.RoleOwner))

	e := newTestEngine(props, mems, nil)
	d, err := e.Authorize(context.Background(), owner, pid, Capability("launch_rockets"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyUnknownCapability {
		t.Fatalf("expected deny unknown_capability, got %+v", d)
	}
}

func TestAuthorizeNoMembership(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	pid := seedProperty(t, props, nil)
	mems.rows = append(mems.rows, activeMember(pid, uuid.New(), domain.RoleOwner))

	e := newTestEngine(props, mems, nil)
	d, err := e.Authorize(context.Background(), uuid.New(), pid, CapView)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyNoMembership {
		t.Fatalf("expected deny no_membership, got %+v", d)
	}
}

func TestAuthorizeInsufficientRole(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	viewer := uuid.New()
	pid := seedProperty(t, props, nil)
	mems.rows = append(mems.rows, activeMember(pid, viewer, domain.RoleViewer))

	e := newTestEngine(props, mems, nil)
	d, err := e.Authorize(context.Background(), viewer, pid, CapEditProperty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyInsufficientRole {
		t.Fatalf("expected deny insufficient_role, got %+v", d)
	}
	if d.Role != domain.RoleViewer {
		t.Fatalf("expected decision to carry the effective role, got %s", d.Role)
	}
}

func TestAuthorizeAllow(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	manager := uuid.New()
	pid := seedProperty(t, props, nil)
	mems.rows = append(mems.rows, activeMember(pid, manager, domain.RolePropertyManager))

	e := newTestEngine(props, mems, nil)
	d, err := e.Authorize(context.Background(), manager, pid, CapEditProperty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Allowed || d.Role != domain.RolePropertyManager {
		t.Fatalf("expected allow for property manager, got %+v", d)
	}
	if d.Reason != "" {
		t.Fatalf("expected empty reason on allow, got %s", d.Reason)
	}
}

func TestAuthorizeUnknownProperty(t *testing.T) {
	e := newTestEngine(newMemPropertyRepo(), &memMembershipRepo{}, nil)
	d, err := e.Authorize(context.Background(), uuid.New(), uuid.New(), CapView)
	if err != nil {
		t.Fatalf("expected no error for unknown property, got %v", err)
	}
	if d.Allowed || d.Reason != DenyNoMembership {
		t.Fatalf("expected deny no_membership for unknown property, got %+v", d)
	}
}

func TestAuthorizeStoreFailure(t *testing.T) {
	props := newMemPropertyRepo()
	props.err = errors.New("connection refused")

	e := newTestEngine(props, &memMembershipRepo{}, nil)
	d, err := e.Authorize(context.Background(), uuid.New(), uuid.New(), CapView)
	if d.Allowed {
		t.Fatalf("store failure must fail closed")
	}
	if d.Reason != DenyStoreUnavailable {
		t.Fatalf("expected deny store_unavailable, got %s", d.Reason)
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected wrapped ErrStoreUnavailable, got %v", err)
	}
}

func TestAuthorizeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(newMemPropertyRepo(), &memMembershipRepo{}, nil)
	d, err := e.Authorize(ctx, uuid.New(), uuid.New(), CapView)
	if d.Allowed {
		t.Fatalf("canceled context must fail closed")
	}
	if d.Reason != DenyTimeout {
		t.Fatalf("expected deny timeout, got %s", d.Reason)
	}
	if err == nil {
		t.Fatalf("expected an error distinguishing infrastructure failure")
	}
}

func TestAuthorizeLegacyOwnerFallback(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	legacy := uuid.New()
	rep := &captureReporter{}
	pid := seedProperty(t, props, &legacy)

	e := newTestEngine(props, mems, rep)

	// No membership rows at all: the column still grants owner access.
	d, err := e.Authorize(context.Background(), legacy, pid, CapManageUsers)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Allowed || d.Role != domain.RoleOwner {
		t.Fatalf("expected legacy owner allow, got %+v", d)
	}
	if d.Consistent {
		t.Fatalf("unmigrated property should be flagged inconsistent")
	}

	// A stranger still gets nothing.
	d, err = e.Authorize(context.Background(), uuid.New(), pid, CapView)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyNoMembership {
		t.Fatalf("expected deny for non-member, got %+v", d)
	}

	found := false
	for _, f := range rep.findings {
		if f.Type == domain.FindingLegacyOwnerWithoutMembership && f.PropertyID == pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected legacy_owner_without_membership finding, got %v", rep.findings)
	}
}

func TestAuthorizeMembershipWinsOverLegacyColumn(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	legacyOwner := uuid.New()
	membershipOwner := uuid.New()
	rep := &captureReporter{}
	pid := seedProperty(t, props, &legacyOwner)
	mems.rows = append(mems.rows, activeMember(pid, membershipOwner, domain.RoleOwner))

	e := newTestEngine(props, mems, rep)

	// The membership owner is authoritative.
	d, err := e.Authorize(context.Background(), membershipOwner, pid, CapEditProperty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Allowed || d.Role != domain.RoleOwner {
		t.Fatalf("expected membership owner allow, got %+v", d)
	}
	if d.Consistent {
		t.Fatalf("diverged property should be flagged inconsistent")
	}

	// The stale column grants nothing once an owner row exists.
	d, err = e.Authorize(context.Background(), legacyOwner, pid, CapEditProperty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyNoMembership {
		t.Fatalf("expected deny for stale legacy owner, got %+v", d)
	}

	found := false
	for _, f := range rep.findings {
		if f.Type == domain.FindingOwnerDivergence && f.PropertyID == pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected owner_divergence finding, got %v", rep.findings)
	}
}

func TestAuthorizeDemotedLegacyOwner(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	legacy := uuid.New()
	pid := seedProperty(t, props, &legacy)
	mems.rows = append(mems.rows, activeMember(pid, legacy, domain.RoleLeasingAgent))

	e := newTestEngine(props, mems, nil)

	// The membership row wins even when it demotes the column's owner.
	d, err := e.Authorize(context.Background(), legacy, pid, CapManageTenants)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Allowed || d.Role != domain.RoleLeasingAgent {
		t.Fatalf("expected leasing agent allow, got %+v", d)
	}

	d, err = e.Authorize(context.Background(), legacy, pid, CapEditProperty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyInsufficientRole {
		t.Fatalf("expected deny insufficient_role for demoted owner, got %+v", d)
	}
}

func TestAuthorizeRevokedMembership(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	user := uuid.New()
	pid := seedProperty(t, props, nil)
	m := activeMember(pid, user, domain.RolePropertyManager)
	m.Status = domain.StatusRevoked
	mems.rows = append(mems.rows, m)

	e := newTestEngine(props, mems, nil)
	d, err := e.Authorize(context.Background(), user, pid, CapView)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != DenyNoMembership {
		t.Fatalf("expected deny no_membership for revoked member, got %+v", d)
	}
}

func TestResolverReportsMultipleActiveOwners(t *testing.T) {
	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	ownerA := uuid.New()
	ownerB := uuid.New()
	rep := &captureReporter{}
	pid := seedProperty(t, props, &ownerA)
	mems.rows = append(mems.rows,
		activeMember(pid, ownerA, domain.RoleOwner),
		activeMember(pid, ownerB, domain.RoleOwner),
	)

	r := NewOwnershipResolver(props, mems, rep, nil)
	res, err := r.Resolve(context.Background(), pid, ownerB)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.HasRole || res.Role != domain.RoleOwner {
		t.Fatalf("expected owner role from membership row, got %+v", res)
	}
	if res.Consistent {
		t.Fatalf("two active owner rows should be flagged inconsistent")
	}

	found := false
	for _, f := range rep.findings {
		if f.Type == domain.FindingMultipleActiveOwners {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected multiple_active_owners finding, got %v", rep.findings)
	}
}
