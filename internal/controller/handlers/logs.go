package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"poolplane/internal/store"
	"poolplane/pkg/api"

	"github.com/google/uuid"
)

const (
	defaultLogLimit = 1000
	maxLogLimit     = 10000

	// maxLogChunk bounds one shipped batch, JSON framing included.
	maxLogChunk = 1 << 20
)

// InternalAddLogs handles POST /internal/jobs/{id}/logs
// Called by the Worker to append a batch of log lines.
func (h *Handlers) InternalAddLogs(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	var req api.AddLogRequest
	if !h.decodeJSON(w, r, &req, maxLogChunk, false) {
		return
	}

	if req.Content == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.store.AddLogEntry(r.Context(), jobID, req.Content); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.log(r).Error("failed to persist log", "job_id", jobID, "error", err)
		h.httpError(w, "Failed to persist log", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetJobLogs handles GET /jobs/{id}/logs?after_id=N&limit=M
// Pages through a job's log lines in id order.
func (h *Handlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	limit := defaultLogLimit
	if l := query.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			h.httpError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxLogLimit)
	}

	var afterID int64
	if after := query.Get("after_id"); after != "" {
		afterID, err = strconv.ParseInt(after, 10, 64)
		if err != nil || afterID < 0 {
			h.httpError(w, "after_id must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.log(r).Error("failed to load job", "job_id", jobID, "error", err)
		h.httpError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	logs, err := h.store.GetJobLogs(ctx, jobID, afterID, limit)
	if err != nil {
		h.log(r).Error("failed to fetch logs", "job_id", jobID, "error", err)
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	resp := api.GetLogsResponse{
		Logs:        make([]api.LogEntry, len(logs)),
		NextAfterID: afterID,
		Done:        job.State.IsTerminal(),
	}
	for i, entry := range logs {
		resp.Logs[i] = api.LogEntry{
			ID:        entry.ID,
			Content:   entry.Content,
			CreatedAt: entry.CreatedAt,
		}
		resp.NextAfterID = max(resp.NextAfterID, entry.ID)
	}

	h.respondJson(w, http.StatusOK, resp)
}
