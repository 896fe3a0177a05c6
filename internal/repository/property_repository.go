package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/domain"
)

// PostgresPropertyRepository implements domain.PropertyRepository using PostgreSQL
type PostgresPropertyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresPropertyRepository creates a new property repository
func NewPostgresPropertyRepository(db *sql.DB, logger *slog.Logger) *PostgresPropertyRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresPropertyRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new property
func (r *PostgresPropertyRepository) Create(ctx context.Context, p *domain.Property) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	query := `
		INSERT INTO properties (id, name, address, primary_owner, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		p.ID,
		p.Name,
		p.Address,
		p.LegacyOwnerID,
		p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create property",
			slog.String("property_id", p.ID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create property: %w", err)
	}

	return nil
}

// GetByID retrieves a property by ID
func (r *PostgresPropertyRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Property, error) {
	p := &domain.Property{}

	query := `
		SELECT id, name, address, primary_owner, created_at, updated_at, is_active
		FROM properties
		WHERE id = $1
	`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Address,
		&p.LegacyOwnerID,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.IsActive,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPropertyNotFound
		}
		r.logger.Error("failed to get property",
			slog.String("property_id", id.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to get property: %w", err)
	}

	return p, nil
}

// List returns a stable page of active properties. Ordering by creation
// time plus id keeps paging deterministic for the audit scan.
func (r *PostgresPropertyRepository) List(ctx context.Context, offset, limit int) ([]*domain.Property, error) {
	query := `
		SELECT id, name, address, primary_owner, created_at, updated_at, is_active
		FROM properties
		WHERE is_active = true
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		r.logger.Error("failed to list properties",
			slog.Int("offset", offset),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	var properties []*domain.Property
	for rows.Next() {
		p := &domain.Property{}
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Address,
			&p.LegacyOwnerID,
			&p.CreatedAt,
			&p.UpdatedAt,
			&p.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		properties = append(properties, p)
	}

	return properties, rows.Err()
}

// Count returns the number of active properties
func (r *PostgresPropertyRepository) Count(ctx context.Context) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM properties WHERE is_active = true`

	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count properties: %w", err)
	}

	return count, nil
}

// Deactivate soft-deletes a property (sets is_active to false)
func (r *PostgresPropertyRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE properties
		SET is_active = false, updated_at = now()
		WHERE id = $1 AND is_active = true
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate property: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrPropertyNotFound
	}

	return nil
}
