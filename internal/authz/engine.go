package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
)

var tracer = otel.Tracer("propaccess/authz")

// Engine evaluates access decisions. It never mutates state and fails
// closed: any uncertainty about the caller's standing produces a deny.
type Engine struct {
	resolver *OwnershipResolver
	logger   *slog.Logger
}

// NewEngine creates an access decision engine
func NewEngine(resolver *OwnershipResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{resolver: resolver, logger: logger}
}

// Authorize decides whether userID may exercise capability on
// propertyID. Policy denials return a nil error; infrastructure
// failures return a deny plus a wrapped error so callers can tell the
// two apart. The returned error wraps domain.ErrStoreUnavailable when
// the membership store could not be read.
func (e *Engine) Authorize(ctx context.Context, userID, propertyID uuid.UUID, capability Capability) (Decision, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.capability", string(capability)),
	))
	defer span.End()

	decision, err := e.evaluate(ctx, userID, propertyID, capability)

	span.SetAttributes(
		attribute.Bool("authz.allowed", decision.Allowed),
		attribute.String("authz.reason", string(decision.Reason)),
	)
	metrics.RecordDecision(string(capability), decision.Allowed, string(decision.Reason), time.Since(start))

	if !decision.Allowed {
		e.logger.Info("access denied",
			"user_id", userID,
			"property_id", propertyID,
			"capability", capability,
			"reason", decision.Reason,
		)
	}

	return decision, err
}

func (e *Engine) evaluate(ctx context.Context, userID, propertyID uuid.UUID, capability Capability) (Decision, error) {
	if userID == uuid.Nil {
		return Deny(DenyUnauthenticated), nil
	}

	if !KnownCapability(capability) {
		e.logger.Warn("unknown capability requested", "capability", capability)
		return Deny(DenyUnknownCapability), nil
	}

	if propertyID == uuid.Nil {
		return Deny(DenyNoMembership), nil
	}

	if err := ctx.Err(); err != nil {
		return Deny(DenyTimeout), fmt.Errorf("authorize: %w", err)
	}

	res, err := e.resolver.Resolve(ctx, propertyID, userID)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return Deny(DenyTimeout), fmt.Errorf("authorize: %w", err)
		case errors.Is(err, domain.ErrPropertyNotFound):
			// an unknown property carries no memberships; do not leak
			// whether it exists
			return Deny(DenyNoMembership), nil
		default:
			return Deny(DenyStoreUnavailable), fmt.Errorf("authorize: %w: %w", domain.ErrStoreUnavailable, err)
		}
	}

	decision := Decision{Consistent: res.Consistent}
	switch {
	case !res.HasRole:
		decision.Reason = DenyNoMembership
	case !RoleHasCapability(res.Role, capability):
		decision.Reason = DenyInsufficientRole
		decision.Role = res.Role
	default:
		decision.Allowed = true
		decision.Role = res.Role
	}

	return decision, nil
}
