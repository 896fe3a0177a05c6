package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/authz"
)

// CheckRequest is a diagnostic authorization probe. UserID may be empty
// to observe the unauthenticated denial.
type CheckRequest struct {
	UserID     string `json:"user_id"`
	PropertyID string `json:"property_id"`
	Capability string `json:"capability"`
}

// CheckResponse echoes the probe inputs alongside the decision
type CheckResponse struct {
	UserID     string         `json:"user_id,omitempty"`
	PropertyID string         `json:"property_id"`
	Capability string         `json:"capability"`
	Decision   authz.Decision `json:"decision"`
	CheckedAt  time.Time      `json:"checked_at"`
}

// CheckHandler exposes the decision engine for operator debugging. The
// application authorizes through the service layer; this endpoint only
// answers what the engine would say for a given probe.
type CheckHandler struct {
	engine *authz.Engine
	logger *slog.Logger
}

// NewCheckHandler creates a new access check handler
func NewCheckHandler(engine *authz.Engine, logger *slog.Logger) *CheckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckHandler{engine: engine, logger: logger}
}

// ServeHTTP handles POST /v1/access/check requests
func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse request
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	// An absent user_id probes the unauthenticated path; anything else
	// must parse.
	userID := uuid.Nil
	if req.UserID != "" {
		parsed, err := uuid.Parse(req.UserID)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		userID = parsed
	}

	propertyID, err := uuid.Parse(req.PropertyID)
	if err != nil {
		http.Error(w, "invalid property_id", http.StatusBadRequest)
		return
	}

	// The capability string goes through unvalidated so the endpoint
	// shows the engine's unknown_capability denial instead of masking it.
	decision, err := h.engine.Authorize(r.Context(), userID, propertyID, authz.Capability(req.Capability))
	status := http.StatusOK
	if err != nil {
		// The decision already failed closed; the status code carries
		// the infrastructure problem, the body carries the reason.
		h.logger.Error("check evaluation failed", slog.String("error", err.Error()))
		status = http.StatusServiceUnavailable
	}

	response := CheckResponse{
		UserID:     req.UserID,
		PropertyID: req.PropertyID,
		Capability: req.Capability,
		Decision:   decision,
		CheckedAt:  time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
