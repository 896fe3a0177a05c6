package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rentora/propaccess/internal/auditor"
)

// AuditHandler exposes on-demand scans and the latest report
type AuditHandler struct {
	auditor *auditor.Auditor
	logger  *slog.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(a *auditor.Auditor, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{auditor: a, logger: logger}
}

// RunNow handles POST /v1/audit/run - triggers a scan outside the
// schedule and responds with its report
func (h *AuditHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.logger.Info("on-demand audit scan requested")

	report, err := h.auditor.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("on-demand audit scan failed", slog.String("error", err.Error()))
		http.Error(w, "audit scan failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// Report handles GET /v1/audit/report - returns the most recent
// completed scan, 404 before the first one finishes
func (h *AuditHandler) Report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.auditor.LastReport()
	if report == nil {
		http.Error(w, "no completed scan yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
