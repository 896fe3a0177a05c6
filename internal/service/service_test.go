package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/security/audit"
	"github.com/rentora/propaccess/internal/security/ratelimit"
)

type memPropertyRepo struct {
	byID  map[uuid.UUID]*domain.Property
	order []uuid.UUID
}

func newMemPropertyRepo() *memPropertyRepo {
	return &memPropertyRepo{byID: map[uuid.UUID]*domain.Property{}}
}

func (m *memPropertyRepo) Create(ctx context.Context, p *domain.Property) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.byID[p.ID] = p
	m.order = append(m.order, p.ID)
	return nil
}

func (m *memPropertyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Property, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrPropertyNotFound
	}
	return p, nil
}

func (m *memPropertyRepo) List(ctx context.Context, offset, limit int) ([]*domain.Property, error) {
	var out []*domain.Property
	for _, id := range m.order {
		if p := m.byID[id]; p.IsActive {
			out = append(out, p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPropertyRepo) Count(ctx context.Context) (int, error) {
	n := 0
	for _, p := range m.byID {
		if p.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memPropertyRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	p, ok := m.byID[id]
	if !ok {
		return domain.ErrPropertyNotFound
	}
	p.IsActive = false
	return nil
}

// memMembershipRepo mirrors the store's semantics: reads return copies,
// Get and Upsert treat the last row for a pair as the newest, and
// Upsert updates in place rather than appending a second row.
type memMembershipRepo struct {
	rows []*domain.Membership
}

func (m *memMembershipRepo) ListActiveByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Membership, error) {
	var out []*domain.Membership
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Membership, error) {
	var out []*domain.Membership
	for _, r := range m.rows {
		if r.UserID == userID && r.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) Get(ctx context.Context, propertyID, userID uuid.UUID) (*domain.Membership, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].PropertyID == propertyID && m.rows[i].UserID == userID {
			cp := *m.rows[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrMembershipNotFound
}

func (m *memMembershipRepo) Upsert(ctx context.Context, mem *domain.Membership) error {
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if r.PropertyID == mem.PropertyID && r.UserID == mem.UserID {
			r.Role = mem.Role
			r.Status = mem.Status
			r.InvitedBy = mem.InvitedBy
			r.InvitedAt = mem.InvitedAt
			r.AcceptedAt = mem.AcceptedAt
			r.UpdatedAt = time.Now()
			*mem = *r
			return nil
		}
	}
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	mem.CreatedAt = time.Now()
	mem.UpdatedAt = mem.CreatedAt
	cp := *mem
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memMembershipRepo) UpdateStatus(ctx context.Context, mem *domain.Membership) error {
	for _, r := range m.rows {
		if r.ID == mem.ID {
			r.Status = mem.Status
			r.AcceptedAt = mem.AcceptedAt
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrMembershipNotFound
}

func (m *memMembershipRepo) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
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
	n := 0
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *memMembershipRepo) ListDuplicatePairs(ctx context.Context) ([]domain.DuplicatePair, error) {
	counts := map[[2]uuid.UUID]int{}
	for _, r := range m.rows {
		counts[[2]uuid.UUID{r.PropertyID, r.UserID}]++
	}
	var out []domain.DuplicatePair
	for k, n := range counts {
		if n > 1 {
			out = append(out, domain.DuplicatePair{PropertyID: k[0], UserID: k[1], RowCount: n})
		}
	}
	return out, nil
}

// rowsFor returns every stored row for a pair, used to assert the
// single-row invariant.
func (m *memMembershipRepo) rowsFor(propertyID, userID uuid.UUID) []*domain.Membership {
	var out []*domain.Membership
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

type memInvitationRepo struct {
	invitations []*domain.Invitation
}

func (m *memInvitationRepo) Create(ctx context.Context, inv *domain.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	m.invitations = append(m.invitations, &cp)
	return nil
}

func (m *memInvitationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invitation, error) {
	for _, inv := range m.invitations {
		if inv.ID == id {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, domain.ErrInvitationNotFound
}

func (m *memInvitationRepo) ListPendingByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Invitation, error) {
	var out []*domain.Invitation
	for _, inv := range m.invitations {
		if inv.PropertyID == propertyID && inv.Status == domain.InvitationPending {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateStatus applies the same pending guard as the store: only a
// PENDING invitation can move, so acceptance is single-use.
func (m *memInvitationRepo) UpdateStatus(ctx context.Context, inv *domain.Invitation) error {
	for _, stored := range m.invitations {
		if stored.ID == inv.ID {
			if stored.Status != domain.InvitationPending {
				return domain.ErrInvitationConsumed
			}
			stored.Status = inv.Status
			stored.AcceptedBy = inv.AcceptedBy
			stored.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrInvitationConsumed
}

func (m *memInvitationRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invitations {
		if inv.Status == domain.InvitationPending && inv.Expired(now) {
			inv.Status = domain.InvitationRevoked
			n++
		}
	}
	return n, nil
}

// testStack wires the three services over in-memory stores with a live
// access engine, the shape the daemon assembles in production.
type testStack struct {
	props  *memPropertyRepo
	mems   *memMembershipRepo
	invs   *memInvitationRepo
	engine *authz.Engine

	properties  *PropertyService
	invitations *InvitationService
	memberships *MembershipService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	props := newMemPropertyRepo()
	mems := &memMembershipRepo{}
	invs := &memInvitationRepo{}

	resolver := authz.NewOwnershipResolver(props, mems, nil, nil)
	engine := authz.NewEngine(resolver, nil)
	auditLog := audit.NewLogger(nil)
	limiter := ratelimit.NewLimiter(100, time.Minute)
	t.Cleanup(limiter.Stop)

	return &testStack{
		props:  props,
		mems:   mems,
		invs:   invs,
		engine: engine,

		properties:  NewPropertyService(props, mems, engine, auditLog, nil),
		invitations: NewInvitationService(invs, mems, engine, limiter, auditLog, nil, time.Hour, 10),
		memberships: NewMembershipService(mems, engine, auditLog, nil),
	}
}

// mustCreateProperty seeds a property with its owner through the real
// creation path.
func mustCreateProperty(t *testing.T, stack *testStack, ownerID uuid.UUID) *domain.Property {
	t.Helper()
	property, err := stack.properties.CreateProperty(context.Background(), ownerID, "Maple Court", "12 Maple St")
	if err != nil {
		t.Fatalf("expected property creation to succeed, got %v", err)
	}
	return property
}

// mustInviteAndAccept runs the full invitation flow for a known user.
func mustInviteAndAccept(t *testing.T, stack *testStack, actorID, userID, propertyID uuid.UUID, role domain.Role) *domain.Membership {
	t.Helper()
	result, err := stack.invitations.Invite(context.Background(), actorID, InviteOptions{
		PropertyID: propertyID,
		Email:      "invitee@example.com",
		Role:       role,
		UserID:     &userID,
	})
	if err != nil {
		t.Fatalf("expected invite to succeed, got %v", err)
	}
	membership, err := stack.invitations.Accept(context.Background(), userID, result.Invitation.ID, result.Token)
	if err != nil {
		t.Fatalf("expected acceptance to succeed, got %v", err)
	}
	return membership
}
