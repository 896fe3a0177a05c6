package test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/auditor"
	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/handler"
	"github.com/rentora/propaccess/internal/infrastructure/logger"
	"github.com/rentora/propaccess/internal/security/audit"
	"github.com/rentora/propaccess/internal/security/auth"
	"github.com/rentora/propaccess/internal/security/middleware"
	"github.com/rentora/propaccess/internal/security/ratelimit"
)

const testJWTSecret = "integration-test-secret"

// TestServerHelper runs the auditord HTTP surface over in-memory stores:
// the real handlers and the full middleware chain, no Postgres or Redis.
type TestServerHelper struct {
	Server *httptest.Server
	Logger *slog.Logger

	TokenManager *auth.TokenManager
	Properties   *memPropertyRepo
	Memberships  *memMembershipRepo
	Invitations  *memInvitationRepo
}

func NewTestServer(t *testing.T) *TestServerHelper {
	t.Helper()

	log := logger.NewLogger("error")

	props := &memPropertyRepo{}
	mems := &memMembershipRepo{}
	invs := &memInvitationRepo{}

	resolver := authz.NewOwnershipResolver(props, mems, nil, log)
	engine := authz.NewEngine(resolver, log)
	aud := auditor.NewAuditor(props, mems, invs, auditor.NewSlogSink(log), log, time.Hour, time.Hour, 10, 2)

	tokenManager := auth.NewTokenManager(testJWTSecret, "propaccess")
	limiter := ratelimit.NewLimiter(1000, time.Minute)
	t.Cleanup(limiter.Stop)

	healthHandler := handler.NewHealthHandler(nil, nil, log)
	checkHandler := handler.NewCheckHandler(engine, log)
	auditHandler := handler.NewAuditHandler(aud, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("POST /v1/access/check", checkHandler)
	mux.HandleFunc("POST /v1/audit/run", auditHandler.RunNow)
	mux.HandleFunc("GET /v1/audit/report", auditHandler.Report)

	root := middleware.RequestIDMiddleware(log)(
		middleware.MetricsMiddleware()(
			middleware.JWTMiddleware(tokenManager, log)(
				middleware.RateLimitMiddleware(limiter, log)(
					middleware.AuditMiddleware(audit.NewLogger(log))(
						middleware.ValidateJSONContentType(log)(mux),
					),
				),
			),
		),
	)

	server := httptest.NewServer(root)
	t.Cleanup(server.Close)

	return &TestServerHelper{
		Server:       server,
		Logger:       log,
		TokenManager: tokenManager,
		Properties:   props,
		Memberships:  mems,
		Invitations:  invs,
	}
}

func (h *TestServerHelper) URL() string {
	return h.Server.URL
}

// BearerToken mints an operator token accepted by the server's JWT
// middleware.
func (h *TestServerHelper) BearerToken(t *testing.T) string {
	t.Helper()
	token, err := h.TokenManager.GenerateToken("ops-test", "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

// SeedProperty stores a property with a legacy owner column and an
// ACTIVE membership row for the given owner.
func (h *TestServerHelper) SeedProperty(t *testing.T, ownerID uuid.UUID) *domain.Property {
	t.Helper()
	prop := &domain.Property{
		Name:          "Maple Court",
		Address:       "12 Maple St",
		LegacyOwnerID: &ownerID,
		IsActive:      true,
	}
	if err := h.Properties.Create(context.Background(), prop); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	h.SeedMembership(t, prop.ID, ownerID, domain.RoleOwner)
	return prop
}

// SeedMembership stores an ACTIVE membership row directly.
func (h *TestServerHelper) SeedMembership(t *testing.T, propertyID, userID uuid.UUID, role domain.Role) *domain.Membership {
	t.Helper()
	now := time.Now()
	accepted := now
	m := &domain.Membership{
		ID:         uuid.New(),
		PropertyID: propertyID,
		UserID:     userID,
		Role:       role,
		Status:     domain.StatusActive,
		InvitedAt:  now,
		AcceptedAt: &accepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.Memberships.Upsert(context.Background(), m); err != nil {
		t.Fatalf("seed membership: %v", err)
	}
	return m
}

// AssertStatusCode helper function
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status %d, got %d", expected, resp.StatusCode)
	}
}

// In-memory repositories backing the test server.

type memPropertyRepo struct {
	props []*domain.Property
}

func (m *memPropertyRepo) Create(ctx context.Context, p *domain.Property) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.props = append(m.props, p)
	return nil
}

func (m *memPropertyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Property, error) {
	for _, p := range m.props {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, domain.ErrPropertyNotFound
}

func (m *memPropertyRepo) List(ctx context.Context, offset, limit int) ([]*domain.Property, error) {
	var active []*domain.Property
	for _, p := range m.props {
		if p.IsActive {
			active = append(active, p)
		}
	}
	if offset >= len(active) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(active) {
		end = len(active)
	}
	return active[offset:end], nil
}

func (m *memPropertyRepo) Count(ctx context.Context) (int, error) {
	n := 0
	for _, p := range m.props {
		if p.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memPropertyRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	for _, p := range m.props {
		if p.ID == id {
			p.IsActive = false
			return nil
		}
	}
	return domain.ErrPropertyNotFound
}

type memMembershipRepo struct {
	rows []*domain.Membership
}

func (m *memMembershipRepo) ListActiveByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Membership, error) {
	var out []*domain.Membership
	for _, r := range m.rows {
		if r.PropertyID == propertyID && r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Membership, error) {
	var out []*domain.Membership
	for _, r := range m.rows {
		if r.UserID == userID && r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memMembershipRepo) Get(ctx context.Context, propertyID, userID uuid.UUID) (*domain.Membership, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].PropertyID == propertyID && m.rows[i].UserID == userID {
			return m.rows[i], nil
		}
	}
	return nil, domain.ErrMembershipNotFound
}

func (m *memMembershipRepo) Upsert(ctx context.Context, mem *domain.Membership) error {
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

type memInvitationRepo struct {
	invitations []*domain.Invitation
}

func (m *memInvitationRepo) Create(ctx context.Context, inv *domain.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	m.invitations = append(m.invitations, inv)
	return nil
}

func (m *memInvitationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invitation, error) {
	for _, inv := range m.invitations {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, domain.ErrInvitationNotFound
}

func (m *memInvitationRepo) ListPendingByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Invitation, error) {
	var out []*domain.Invitation
	for _, inv := range m.invitations {
		if inv.PropertyID == propertyID && inv.Status == domain.InvitationPending {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memInvitationRepo) UpdateStatus(ctx context.Context, inv *domain.Invitation) error {
	for _, stored := range m.invitations {
		if stored.ID == inv.ID {
			stored.Status = inv.Status
			stored.AcceptedBy = inv.AcceptedBy
			return nil
		}
	}
	return domain.ErrInvitationNotFound
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
