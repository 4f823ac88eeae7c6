package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/nightdesk/nightdesk/internal/session"
)

// HealthHandler reports service liveness and current call load.
type HealthHandler struct {
	manager *session.Manager
	db      *sql.DB
}

// NewHealthHandler creates the health endpoint. db may be nil when the
// service runs without postgres.
func NewHealthHandler(manager *session.Manager, db *sql.DB) *HealthHandler {
	return &HealthHandler{manager: manager, db: db}
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	Database       string `json:"database,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.manager != nil {
		resp.ActiveSessions = h.manager.Active()
	}

	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	writeJSON(w, status, resp)
}
