package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/domain"
)

const invitationColumns = `id, property_id, email, role, token_hash, invited_by, status, expires_at, accepted_by, created_at, updated_at`

// PostgresInvitationRepository implements domain.InvitationRepository using PostgreSQL
type PostgresInvitationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresInvitationRepository creates a new invitation repository
func NewPostgresInvitationRepository(db *sql.DB, logger *slog.Logger) *PostgresInvitationRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresInvitationRepository{
		db:     db,
		logger: logger,
	}
}

func scanInvitation(scanner interface{ Scan(...any) error }) (*domain.Invitation, error) {
	inv := &domain.Invitation{}
	err := scanner.Scan(
		&inv.ID,
		&inv.PropertyID,
		&inv.Email,
		&inv.Role,
		&inv.TokenHash,
		&inv.InvitedBy,
		&inv.Status,
		&inv.ExpiresAt,
		&inv.AcceptedBy,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Create inserts a new invitation
func (r *PostgresInvitationRepository) Create(ctx context.Context, inv *domain.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}

	query := `
		INSERT INTO invitations (id, property_id, email, role, token_hash, invited_by, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		inv.ID,
		inv.PropertyID,
		inv.Email,
		inv.Role,
		inv.TokenHash,
		inv.InvitedBy,
		inv.Status,
		inv.ExpiresAt,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create invitation",
			slog.String("property_id", inv.PropertyID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create invitation: %w", err)
	}

	return nil
}

// GetByID retrieves an invitation by ID
func (r *PostgresInvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invitation, error) {
	query := `
		SELECT ` + invitationColumns + `
		FROM invitations
		WHERE id = $1
	`

	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInvitationNotFound
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	return inv, nil
}

// ListPendingByProperty lists PENDING invitations for a property, newest first
func (r *PostgresInvitationRepository) ListPendingByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Invitation, error) {
	query := `
		SELECT ` + invitationColumns + `
		FROM invitations
		WHERE property_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}

	return invitations, rows.Err()
}

// UpdateStatus moves an invitation out of PENDING. The status guard in
// the WHERE clause makes acceptance single-use under concurrency: the
// second writer matches no row.
func (r *PostgresInvitationRepository) UpdateStatus(ctx context.Context, inv *domain.Invitation) error {
	query := `
		UPDATE invitations
		SET status = $2, accepted_by = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query, inv.ID, inv.Status, inv.AcceptedBy).Scan(&inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrInvitationConsumed
		}
		return fmt.Errorf("failed to update invitation status: %w", err)
	}

	return nil
}

// ExpirePending revokes every PENDING invitation past its expiry and
// returns the number of rows changed
func (r *PostgresInvitationRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE invitations
		SET status = 'revoked', updated_at = now()
		WHERE status = 'pending' AND expires_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Info("expired pending invitations", slog.Int64("count", rows))
	}

	return rows, nil
}
