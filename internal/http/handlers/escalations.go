package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightdesk/nightdesk/internal/handoff"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// EscalationsHandler is the staff-facing side of call handoffs: list what
// needs attention, acknowledge it, and close it out.
type EscalationsHandler struct {
	handoff *handoff.Service
	logger  *logging.Logger
}

func NewEscalationsHandler(svc *handoff.Service, logger *logging.Logger) *EscalationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &EscalationsHandler{handoff: svc, logger: logger}
}

func (h *EscalationsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.handoff.Pending(r.Context())
	if err != nil {
		h.logger.Error("listing pending escalations failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": escalations,
		"count":       len(escalations),
	})
}

type escalationActionRequest struct {
	StaffMember string `json:"staff_member"`
	Resolution  string `json:"resolution,omitempty"`
}

func (h *EscalationsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "escalationID"))
	if err != nil {
		http.Error(w, "invalid escalation id", http.StatusBadRequest)
		return
	}

	var req escalationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StaffMember == "" {
		http.Error(w, "staff_member is required", http.StatusBadRequest)
		return
	}

	if err := h.handoff.Acknowledge(r.Context(), id, req.StaffMember); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EscalationsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "escalationID"))
	if err != nil {
		http.Error(w, "invalid escalation id", http.StatusBadRequest)
		return
	}

	var req escalationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StaffMember == "" {
		http.Error(w, "staff_member is required", http.StatusBadRequest)
		return
	}

	if err := h.handoff.Resolve(r.Context(), id, req.StaffMember, req.Resolution); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
