package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"poolplane/internal/jobspec"
	"poolplane/internal/logger"
	"poolplane/internal/store"
	"poolplane/pkg/api"

	"github.com/google/uuid"
)

// SubmitJob handles POST /work-pools/{name}/jobs.
// It binds the variables to the pool, records the job as PENDING and
// enqueues the request in one transaction, so workers can claim it.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolName := r.PathValue("name")

	var req api.SubmitJobRequest
	if !h.decodeJSON(w, r, &req, maxRequestBody, true) {
		return
	}

	pool, err := h.store.GetWorkPool(ctx, poolName)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Work pool not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log(r).Error("failed to load work pool", "pool", poolName, "error", err)
		h.httpError(w, "Failed to load work pool", http.StatusInternalServerError)
		return
	}

	if err := jobspec.Validate(*pool, req.Variables); err != nil {
		var unknown *jobspec.UnknownVariableError
		if errors.As(err, &unknown) {
			h.httpErrorDetails(w, "Unknown job variables", err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.httpError(w, "Invalid job variables", http.StatusBadRequest)
		return
	}

	jobReq := jobspec.Bind(pool.Name, req.Variables)
	jobReq.ID = uuid.New()

	variables, err := json.Marshal(jobReq.Variables)
	if err != nil {
		h.httpError(w, "Variables must be JSON encodable", http.StatusBadRequest)
		return
	}

	job := &store.Job{
		ID:        jobReq.ID,
		PoolName:  pool.Name,
		Variables: variables,
		State:     store.JobStatePending,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateJob(ctx, tx, job); err != nil {
		h.log(r).Error("failed to create job", "error", err)
		h.httpError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	if _, err := h.store.Enqueue(ctx, tx, jobReq, time.Time{}); err != nil {
		h.log(r).Error("failed to enqueue job", "error", err)
		h.httpError(w, "Failed to enqueue", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	logger.FromContext(logger.WithJobID(ctx, job.ID.String()), h.logger).Info("job request enqueued", "pool", pool.Name)
	h.respondJson(w, http.StatusCreated, api.SubmitJobResponse{
		JobID: job.ID.String(),
		Pool:  pool.Name,
		State: string(job.State),
	})
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJobByID(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log(r).Error("failed to load job", "job_id", jobID, "error", err)
		h.httpError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.JobStatusResponse{
		ID:          job.ID.String(),
		Pool:        job.PoolName,
		State:       string(job.State),
		Detail:      job.Detail,
		Variables:   job.Variables,
		CreatedAt:   job.CreatedAt,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	})
}
