package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emberhost/crucible/internal/model"
)

// decodeRequest reads and validates an execution request body. It assigns an
// id and timestamp when the caller left them unset.
func decodeRequest(w http.ResponseWriter, r *http.Request) (*model.ExecutionRequest, bool) {
	var req model.ExecutionRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}

	if req.Runtime == "" {
		writeError(w, http.StatusBadRequest, "runtime is required")
		return nil, false
	}
	if req.Code == "" && len(req.CodeArchive) == 0 {
		writeError(w, http.StatusBadRequest, "code or code_archive is required")
		return nil, false
	}

	if req.ID == "" {
		req.ID = model.NewID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	return &req, true
}

// handleExecuteSync runs the execution inline and returns the full result.
// The request is bound to the connection: a client disconnect kills the run.
func (s *Server) handleExecuteSync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.ExecuteSync(r.Context(), req)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSubmitAsync accepts the execution and returns immediately with its id.
func (s *Server) handleSubmitAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), req); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":    req.ID,
		"state": model.StatePending,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	recs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleCancelExecution kills an in-flight execution. Already-finished or
// unknown ids return 404.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, model.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "no in-flight execution with id "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": model.StateKilled})
}
