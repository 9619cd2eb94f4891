// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"poolplane/internal/logger"
	"poolplane/internal/store"
	"poolplane/pkg/api"
)

// StoreFactory combines the interfaces needed for the controller to function.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.PoolStore
	store.JobStore
	store.LogStore
	store.Queue
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  StoreFactory
	logger *slog.Logger
}

// New creates a new Handlers instance with the given store dependency.
func New(s StoreFactory, log *slog.Logger) *Handlers {
	if log == nil {
		log = logger.New()
	}
	return &Handlers{store: s, logger: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// httpErrorDetails is httpError with a machine-readable detail string.
func (h *Handlers) httpErrorDetails(w http.ResponseWriter, message, details string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error:   message,
		Code:    strconv.Itoa(code),
		Details: details,
	})
}

// maxRequestBody bounds public API request bodies.
const maxRequestBody = 1 << 20

// decodeJSON reads at most limit bytes of JSON into dst. It writes the
// error response itself and reports whether the handler may continue.
// An empty body is accepted when allowEmpty is set.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, allowEmpty && errors.Is(err, io.EOF):
		return true
	case errors.As(err, &tooLarge):
		h.httpError(w, "Request body too large", http.StatusRequestEntityTooLarge)
	default:
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
	}
	return false
}

// log returns the request-scoped logger.
func (h *Handlers) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.logger)
}
