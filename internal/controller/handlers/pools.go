package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"poolplane/internal/jobspec"
	"poolplane/internal/store"
	"poolplane/internal/workpool"
	"poolplane/pkg/api"
)

// Backend types a work pool can target.
var poolTypes = []string{"kubernetes", "docker"}

// CreateWorkPool handles POST /work-pools.
// It creates the pool or replaces the definition of an existing one.
func (h *Handlers) CreateWorkPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateWorkPoolRequest
	if !h.decodeJSON(w, r, &req, maxRequestBody, false) {
		return
	}

	if req.Name == "" || len(req.BaseJobTemplate) == 0 {
		h.httpError(w, "Name and base_job_template are required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = poolTypes[0]
	}
	if !slices.Contains(poolTypes, req.Type) {
		h.httpError(w, fmt.Sprintf("Unsupported pool type %q", req.Type), http.StatusBadRequest)
		return
	}

	tmpl, err := workpool.ParseTemplate(req.BaseJobTemplate)
	if err != nil {
		h.httpErrorDetails(w, "Invalid base job template", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	// Every placeholder and every pool default must name a declared variable.
	var undeclared []string
	for _, name := range jobspec.Names(tmpl) {
		if !tmpl.Declares(name) {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		h.httpErrorDetails(w, "Template references undeclared variables", strings.Join(undeclared, ", "), http.StatusUnprocessableEntity)
		return
	}

	pool := &store.WorkPool{
		Name:             req.Name,
		Type:             req.Type,
		BaseJobTemplate:  tmpl,
		DefaultVariables: req.DefaultVariables,
	}
	if err := jobspec.Validate(*pool, req.DefaultVariables); err != nil {
		h.httpErrorDetails(w, "Default variables are not declared by the template", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := h.store.UpsertWorkPool(ctx, pool); err != nil {
		h.log(r).Error("failed to save work pool", "pool", req.Name, "error", err)
		h.httpError(w, "Failed to save work pool", http.StatusInternalServerError)
		return
	}

	saved, err := h.store.GetWorkPool(ctx, req.Name)
	if err != nil {
		h.log(r).Warn("failed to read back work pool", "pool", req.Name, "error", err)
		saved = pool
	}

	h.log(r).Info("work pool saved", "pool", req.Name, "type", req.Type)
	h.respondJson(w, http.StatusCreated, workPoolResponse(saved))
}

// GetWorkPool handles GET /work-pools/{name}.
func (h *Handlers) GetWorkPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.store.GetWorkPool(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Work pool not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log(r).Error("failed to load work pool", "error", err)
		h.httpError(w, "Failed to load work pool", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, workPoolResponse(pool))
}

// ListWorkPools handles GET /work-pools.
func (h *Handlers) ListWorkPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.store.ListWorkPools(r.Context())
	if err != nil {
		h.log(r).Error("failed to list work pools", "error", err)
		h.httpError(w, "Failed to list work pools", http.StatusInternalServerError)
		return
	}

	resp := api.ListWorkPoolsResponse{WorkPools: make([]api.WorkPoolResponse, len(pools))}
	for i := range pools {
		resp.WorkPools[i] = workPoolResponse(&pools[i])
	}
	h.respondJson(w, http.StatusOK, resp)
}

func workPoolResponse(p *store.WorkPool) api.WorkPoolResponse {
	tmpl, _ := json.Marshal(p.BaseJobTemplate)
	return api.WorkPoolResponse{
		Name:             p.Name,
		Type:             p.Type,
		BaseJobTemplate:  tmpl,
		DefaultVariables: p.DefaultVariables,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}
