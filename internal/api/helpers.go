package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20
)

// errorResponse is the JSON body written for all error statuses.
type errorResponse struct {
	Error string `json:"error"`

	// Field, Requested and Limit are set for constraint rejections.
	Field     string `json:"field,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeTaxonomyError maps the failure taxonomy onto HTTP statuses. Constraint
// rejections are permanent, pool exhaustion is backpressure, and scheduling
// failures are transient.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	var cv *model.ConstraintViolation
	switch {
	case errors.As(err, &cv):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     cv.Error(),
			Field:     cv.Field,
			Requested: cv.Requested,
			Limit:     cv.Limit,
		})
	case errors.Is(err, model.ErrConstraintViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, model.ErrPoolExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, model.ErrSchedulingTimeout), errors.Is(err, model.ErrNoAvailableCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, model.ErrExecutionNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseIntQuery returns the query parameter as an int, or def when absent or
// malformed.
func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
