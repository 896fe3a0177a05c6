package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/internal/security/audit"
	"github.com/rentora/propaccess/internal/security/ratelimit"
)

const acceptRateWindow = time.Minute

// InvitationService issues and redeems membership invitations
type InvitationService struct {
	invitations domain.InvitationRepository
	memberships domain.MembershipRepository
	engine      *authz.Engine
	limiter     *ratelimit.Limiter
	auditLog    *audit.Logger
	logger      *slog.Logger
	ttl         time.Duration
	acceptRate  int
}

// NewInvitationService creates a new invitation service. ttl bounds how
// long an invitation stays redeemable; acceptRate caps acceptance
// attempts per user per minute.
func NewInvitationService(
	invitations domain.InvitationRepository,
	memberships domain.MembershipRepository,
	engine *authz.Engine,
	limiter *ratelimit.Limiter,
	auditLog *audit.Logger,
	logger *slog.Logger,
	ttl time.Duration,
	acceptRate int,
) *InvitationService {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if acceptRate <= 0 {
		acceptRate = 10
	}

	return &InvitationService{
		invitations: invitations,
		memberships: memberships,
		engine:      engine,
		limiter:     limiter,
		auditLog:    auditLog,
		logger:      logger,
		ttl:         ttl,
		acceptRate:  acceptRate,
	}
}

// InviteOptions captures an invitation request. UserID is set when the
// invitee already has an account, which pre-provisions a PENDING
// membership row alongside the emailed token.
type InviteOptions struct {
	PropertyID uuid.UUID
	Email      string
	Role       domain.Role
	UserID     *uuid.UUID
}

// InviteResult carries the stored invitation and the raw token. The
// token exists only in this return value and is never persisted or
// logged; only its bcrypt digest is stored.
type InviteResult struct {
	Invitation *domain.Invitation
	Token      string
}

// Invite issues a single-use invitation for a non-owner role on a
// property.
func (s *InvitationService) Invite(ctx context.Context, actorID uuid.UUID, opts InviteOptions) (*InviteResult, error) {
	// 1. Only manage_users holders may invite
	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, opts.PropertyID, authz.CapManageUsers); err != nil {
		return nil, err
	}

	// 2. Validate input
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("a valid invitee email is required")
	}
	if !domain.KnownRole(opts.Role) {
		return nil, fmt.Errorf("unknown role %q", opts.Role)
	}
	if opts.Role == domain.RoleOwner {
		return nil, domain.ErrOwnerTransferRequired
	}

	// 3. A known invitee must not already hold active access
	var existing *domain.Membership
	if opts.UserID != nil {
		m, err := s.memberships.Get(ctx, opts.PropertyID, *opts.UserID)
		if err != nil && !errors.Is(err, domain.ErrMembershipNotFound) {
			return nil, fmt.Errorf("failed to check membership: %w", err)
		}
		existing = m
		if existing != nil && existing.IsActive() {
			return nil, domain.ErrDuplicateMembership
		}
	}

	// 4. Mint the token and store only its digest
	token, err := generateInvitationToken()
	if err != nil {
		s.logger.Error("failed to generate invitation token", slog.String("error", err.Error()))
		return nil, errors.New("failed to issue invitation")
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("failed to hash invitation token", slog.String("error", err.Error()))
		return nil, errors.New("failed to issue invitation")
	}

	invitation := &domain.Invitation{
		ID:         uuid.New(),
		PropertyID: opts.PropertyID,
		Email:      email,
		Role:       opts.Role,
		TokenHash:  string(digest),
		InvitedBy:  actorID,
		Status:     domain.InvitationPending,
		ExpiresAt:  time.Now().Add(s.ttl),
	}
	if err := s.invitations.Create(ctx, invitation); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	// 5. Pre-provision a PENDING membership for a known invitee so the
	// offer is visible before acceptance. Rows already INACTIVE or
	// REVOKED are left alone; acceptance re-grants them.
	if opts.UserID != nil && (existing == nil || existing.Status == domain.StatusPending) {
		pending := &domain.Membership{
			PropertyID: opts.PropertyID,
			UserID:     *opts.UserID,
			Role:       opts.Role,
			Status:     domain.StatusPending,
			InvitedBy:  &actorID,
			InvitedAt:  time.Now(),
		}
		if err := s.memberships.Upsert(ctx, pending); err != nil {
			return nil, fmt.Errorf("failed to provision pending membership: %w", err)
		}
		if existing == nil {
			metrics.RecordMembershipTransition("none", string(domain.StatusPending))
		}
	}

	metrics.RecordInvitationEvent("issued")
	s.auditLog.LogInvitation(ctx, opts.PropertyID.String(), actorID.String(), invitation.ID.String(), "issued", "role "+string(opts.Role))
	s.logger.Info("invitation issued",
		slog.String("invitation_id", invitation.ID.String()),
		slog.String("property_id", opts.PropertyID.String()),
		slog.String("role", string(opts.Role)),
	)

	return &InviteResult{Invitation: invitation, Token: token}, nil
}

// Accept redeems an invitation and grants the membership it carries.
// Acceptance is the membership creation path: the pair's row is written
// to ACTIVE whatever its previous state, including REVOKED, whereas
// direct status transitions out of REVOKED stay forbidden everywhere
// else.
func (s *InvitationService) Accept(ctx context.Context, userID, invitationID uuid.UUID, token string) (*domain.Membership, error) {
	if userID == uuid.Nil {
		return nil, errors.New("user id is required")
	}

	// 1. Throttle attempts per user to keep tokens brute-force resistant
	if !s.limiter.AllowStrict("invitation-accept:"+userID.String(), s.acceptRate, acceptRateWindow) {
		s.logger.Warn("invitation acceptance rate limited", slog.String("user_id", userID.String()))
		return nil, domain.ErrRateLimited
	}

	// 2. Load and vet the invitation
	invitation, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if invitation.Status != domain.InvitationPending {
		return nil, domain.ErrInvitationConsumed
	}

	now := time.Now()
	if invitation.Expired(now) {
		// Lazily revoke so later attempts fail fast; the auditor sweep
		// catches anything this misses.
		invitation.Status = domain.InvitationRevoked
		if uerr := s.invitations.UpdateStatus(ctx, invitation); uerr != nil {
			if !errors.Is(uerr, domain.ErrInvitationConsumed) {
				s.logger.Error("failed to revoke expired invitation",
					slog.String("invitation_id", invitationID.String()),
					slog.String("error", uerr.Error()),
				)
			}
		} else {
			metrics.RecordInvitationEvent("expired")
		}
		return nil, domain.ErrInvitationExpired
	}

	// 3. Check the token against the stored digest
	if err := bcrypt.CompareHashAndPassword([]byte(invitation.TokenHash), []byte(token)); err != nil {
		s.logger.Warn("invitation token mismatch",
			slog.String("invitation_id", invitationID.String()),
			slog.String("user_id", userID.String()),
		)
		return nil, domain.ErrInvitationTokenMismatch
	}

	// 4. Consume the invitation. The store's pending guard makes this
	// single-use under concurrent acceptance: the loser of the race gets
	// ErrInvitationConsumed.
	invitation.Status = domain.InvitationAccepted
	invitation.AcceptedBy = &userID
	if err := s.invitations.UpdateStatus(ctx, invitation); err != nil {
		return nil, err
	}

	// 5. Grant the membership
	previous := "none"
	if m, err := s.memberships.Get(ctx, invitation.PropertyID, userID); err == nil {
		previous = string(m.Status)
	} else if !errors.Is(err, domain.ErrMembershipNotFound) {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}

	membership := &domain.Membership{
		PropertyID: invitation.PropertyID,
		UserID:     userID,
		Role:       invitation.Role,
		Status:     domain.StatusActive,
		InvitedBy:  &invitation.InvitedBy,
		InvitedAt:  invitation.CreatedAt,
		AcceptedAt: &now,
	}
	if err := s.memberships.Upsert(ctx, membership); err != nil {
		// The invitation is already consumed at this point; the grant
		// cannot be retried with the same token and needs a reissue.
		s.logger.Error("membership grant failed after invitation consumed",
			slog.String("invitation_id", invitationID.String()),
			slog.String("property_id", invitation.PropertyID.String()),
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to grant membership: %w", err)
	}

	metrics.RecordMembershipTransition(previous, string(domain.StatusActive))
	metrics.RecordInvitationEvent("accepted")
	s.auditLog.LogInvitation(ctx, invitation.PropertyID.String(), userID.String(), invitation.ID.String(), "accepted", "role "+string(invitation.Role))
	s.logger.Info("invitation accepted",
		slog.String("invitation_id", invitation.ID.String()),
		slog.String("property_id", invitation.PropertyID.String()),
		slog.String("user_id", userID.String()),
		slog.String("role", string(invitation.Role)),
	)

	return membership, nil
}

// Revoke withdraws a pending invitation. A PENDING membership row
// provisioned at invite time, if any, lapses through the expiry sweep.
func (s *InvitationService) Revoke(ctx context.Context, actorID, invitationID uuid.UUID) error {
	invitation, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		return err
	}

	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, invitation.PropertyID, authz.CapManageUsers); err != nil {
		return err
	}

	invitation.Status = domain.InvitationRevoked
	if err := s.invitations.UpdateStatus(ctx, invitation); err != nil {
		return err
	}

	metrics.RecordInvitationEvent("revoked")
	s.auditLog.LogInvitation(ctx, invitation.PropertyID.String(), actorID.String(), invitation.ID.String(), "revoked", "")
	s.logger.Info("invitation revoked",
		slog.String("invitation_id", invitation.ID.String()),
		slog.String("property_id", invitation.PropertyID.String()),
	)
	return nil
}

// ListPending returns the open invitations on a property to a caller
// allowed to manage its users.
func (s *InvitationService) ListPending(ctx context.Context, actorID, propertyID uuid.UUID) ([]*domain.Invitation, error) {
	if err := requireCapability(ctx, s.engine, s.auditLog, actorID, propertyID, authz.CapManageUsers); err != nil {
		return nil, err
	}
	return s.invitations.ListPendingByProperty(ctx, propertyID)
}

// generateInvitationToken returns 32 random bytes hex encoded, which
// keeps the bcrypt input under its 72-byte limit.
func generateInvitationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
