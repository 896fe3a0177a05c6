package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rentora/propaccess/internal/domain"
)

const membershipColumns = `id, property_id, user_id, role, status, invited_by, invited_at, accepted_at, created_at, updated_at`

// PostgresMembershipRepository implements domain.MembershipRepository
// using PostgreSQL. The property_memberships table carries no unique
// constraint over (property_id, user_id): duplicate rows from before the
// migration are still present, so reads order deterministically and
// Upsert targets the newest row for the pair.
type PostgresMembershipRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresMembershipRepository creates a new membership repository
func NewPostgresMembershipRepository(db *sql.DB, logger *slog.Logger) *PostgresMembershipRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresMembershipRepository{
		db:     db,
		logger: logger,
	}
}

func scanMembership(scanner interface{ Scan(...any) error }) (*domain.Membership, error) {
	m := &domain.Membership{}
	err := scanner.Scan(
		&m.ID,
		&m.PropertyID,
		&m.UserID,
		&m.Role,
		&m.Status,
		&m.InvitedBy,
		&m.InvitedAt,
		&m.AcceptedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListActiveByProperty returns every ACTIVE membership row on a property
// in creation order, oldest first. Duplicate pairs surface as multiple
// rows; callers resolve them.
func (r *PostgresMembershipRepository) ListActiveByProperty(ctx context.Context, propertyID uuid.UUID) ([]*domain.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM property_memberships
		WHERE property_id = $1 AND status = 'active'
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, propertyID)
	if err != nil {
		r.logger.Error("failed to list memberships by property",
			slog.String("property_id", propertyID.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	return memberships, rows.Err()
}

// ListActiveByUser returns every ACTIVE membership a user holds across properties
func (r *PostgresMembershipRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM property_memberships
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	return memberships, rows.Err()
}

// Get returns the newest membership row for (property, user) in any status
func (r *PostgresMembershipRepository) Get(ctx context.Context, propertyID, userID uuid.UUID) (*domain.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM property_memberships
		WHERE property_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	m, err := scanMembership(r.db.QueryRowContext(ctx, query, propertyID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return m, nil
}

// Upsert writes the membership for (property, user): the newest existing
// row for the pair is updated in place, otherwise a row is inserted.
// Repeated calls never add rows for the same pair.
func (r *PostgresMembershipRepository) Upsert(ctx context.Context, m *domain.Membership) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	// Without a unique index on the pair, two first-time upserts could
	// both miss the UPDATE and both insert. The advisory lock serializes
	// them for the duration of the transaction.
	lockQuery := `SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`
	if _, err := tx.ExecContext(ctx, lockQuery, m.PropertyID.String(), m.UserID.String()); err != nil {
		return fmt.Errorf("failed to lock membership pair: %w", err)
	}

	updateQuery := `
		UPDATE property_memberships
		SET role = $3, status = $4, invited_by = $5, invited_at = $6, accepted_at = $7, updated_at = now()
		WHERE id = (
			SELECT id FROM property_memberships
			WHERE property_id = $1 AND user_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id, created_at, updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		updateQuery,
		m.PropertyID,
		m.UserID,
		m.Role,
		m.Status,
		m.InvitedBy,
		m.InvitedAt,
		m.AcceptedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}

		insertQuery := `
			INSERT INTO property_memberships (id, property_id, user_id, role, status, invited_by, invited_at, accepted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING invited_at, created_at, updated_at
		`

		err = tx.QueryRowContext(
			ctx,
			insertQuery,
			m.ID,
			m.PropertyID,
			m.UserID,
			m.Role,
			m.Status,
			m.InvitedBy,
			m.InvitedAt,
			m.AcceptedAt,
		).Scan(&m.InvitedAt, &m.CreatedAt, &m.UpdatedAt)
	}

	if err != nil {
		// Stores that already applied the uniqueness migration reject the
		// insert side of a lost race with a constraint violation.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrDuplicateMembership
		}
		r.logger.Error("failed to upsert membership",
			slog.String("property_id", m.PropertyID.String()),
			slog.String("user_id", m.UserID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to upsert membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	return nil
}

// UpdateStatus persists a status change for a specific row by id
func (r *PostgresMembershipRepository) UpdateStatus(ctx context.Context, m *domain.Membership) error {
	query := `
		UPDATE property_memberships
		SET status = $2, accepted_at = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query, m.ID, m.Status, m.AcceptedAt).Scan(&m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrMembershipNotFound
		}
		return fmt.Errorf("failed to update membership status: %w", err)
	}

	return nil
}

// ExpirePending revokes every PENDING membership whose invitation went
// out before cutoff. Runs as a single statement so the sweep stays cheap
// on large tables.
func (r *PostgresMembershipRepository) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE property_memberships
		SET status = 'revoked', updated_at = now()
		WHERE status = 'pending' AND invited_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending memberships: %w", err)
	}

	expired, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read expired membership count: %w", err)
	}

	if expired > 0 {
		r.logger.Info("expired pending memberships",
			slog.Int64("count", expired),
			slog.Time("cutoff", cutoff),
		)
	}

	return expired, nil
}

// CountActiveByProperty counts ACTIVE membership rows on a property
func (r *PostgresMembershipRepository) CountActiveByProperty(ctx context.Context, propertyID uuid.UUID) (int, error) {
	var count int

	query := `
		SELECT COUNT(*)
		FROM property_memberships
		WHERE property_id = $1 AND status = 'active'
	`

	if err := r.db.QueryRowContext(ctx, query, propertyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memberships: %w", err)
	}

	return count, nil
}

// ListDuplicatePairs returns every (property, user) pair holding more
// than one membership row, regardless of status
func (r *PostgresMembershipRepository) ListDuplicatePairs(ctx context.Context) ([]domain.DuplicatePair, error) {
	query := `
		SELECT property_id, user_id, COUNT(*) AS row_count
		FROM property_memberships
		GROUP BY property_id, user_id
		HAVING COUNT(*) > 1
		ORDER BY row_count DESC, property_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("failed to list duplicate membership pairs",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list duplicate pairs: %w", err)
	}
	defer rows.Close()

	var pairs []domain.DuplicatePair
	for rows.Next() {
		var p domain.DuplicatePair
		if err := rows.Scan(&p.PropertyID, &p.UserID, &p.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate pair: %w", err)
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}
