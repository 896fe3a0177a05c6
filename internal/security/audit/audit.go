package audit

import (
	"context"
	"log/slog"
	"time"
)

type requestIDKey struct{}

// WithRequestID stamps the request id audit records are correlated by.
// The HTTP middleware calls this once per request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the stamped request id, or empty
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// LogAction writes one audit record. Every access-relevant mutation and
// denial goes through here so the trail can be filtered by property,
// user or request id.
func (al *Logger) LogAction(ctx context.Context, propertyID, userID, action, resource, resourceID, status, details string) {
	requestID := RequestIDFromContext(ctx)

	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("property_id", propertyID),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", requestID),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogInvitation(ctx context.Context, propertyID, userID, invitationID, event, details string) {
	al.LogAction(ctx, propertyID, userID, "invitation", "invitation", invitationID, event, details)
}

func (al *Logger) LogMembershipChange(ctx context.Context, propertyID, actorID, targetUserID, change, details string) {
	al.LogAction(ctx, propertyID, actorID, "membership_"+change, "membership", targetUserID, change, details)
}

func (al *Logger) LogDenied(ctx context.Context, propertyID, userID, reason string) {
	al.LogAction(ctx, propertyID, userID, "access_denied", "property", propertyID, "denied", reason)
}
