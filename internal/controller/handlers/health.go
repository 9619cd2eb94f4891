package handlers

import (
	"context"
	"net/http"
	"time"
)

// readinessTimeout bounds the dependency checks behind /readyz.
const readinessTimeout = 2 * time.Second

// ReadinessResponse is the body of GET /readyz.
type ReadinessResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	QueueDepth *int64            `json:"queue_depth,omitempty"`
}

// Healthz reports process liveness only.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz checks the database and the queue table. Any failing check
// turns the whole readiness check into a 503 and names the failure.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := ReadinessResponse{Status: "ready", Checks: map[string]string{}}

	if err := h.store.Ping(ctx); err != nil {
		h.log(r).Warn("readiness check failed", "check", "database", "error", err)
		resp.Checks["database"] = "unavailable"
	} else {
		resp.Checks["database"] = "ok"

		// The queue is only meaningful once the database answers.
		if depth, err := h.store.Count(ctx); err != nil {
			h.log(r).Warn("readiness check failed", "check", "queue", "error", err)
			resp.Checks["queue"] = "unavailable"
		} else {
			resp.Checks["queue"] = "ok"
			resp.QueueDepth = &depth
		}
	}

	status := http.StatusOK
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
		}
	}
	h.respondJson(w, status, resp)
}
