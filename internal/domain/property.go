package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Property represents a managed rental property.
type Property struct {
	ID      uuid.UUID
	Name    string
	Address string
	// LegacyOwnerID is the single-owner column predating the membership
	// table. It is written once at creation and never updated by this
	// codebase; the auditor reports on it, the resolver reads it.
	LegacyOwnerID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsActive      bool
}

// PropertyRepository defines data access for properties
type PropertyRepository interface {
	Create(ctx context.Context, property *Property) error
	GetByID(ctx context.Context, id uuid.UUID) (*Property, error)
	// List returns active properties ordered by creation time, paged for
	// batch scans.
	List(ctx context.Context, offset, limit int) ([]*Property, error)
	Count(ctx context.Context) (int, error)
	// Deactivate soft-deletes a property (sets is_active=false)
	Deactivate(ctx context.Context, id uuid.UUID) error
}
