package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/orchestrator"
	"github.com/seantiz/foreman/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createExecutionRequest is the JSON body for POST /v1/executions.
type createExecutionRequest struct {
	Descriptor     *model.Descriptor `json:"descriptor"`
	EstimatedSteps int               `json:"estimated_steps"`
	Metadata       map[string]string `json:"metadata"`
}

// startExecutionRequest is the optional JSON body for POST
// /v1/executions/{id}/start. A descriptor here overrides the one persisted at
// creation.
type startExecutionRequest struct {
	Descriptor *model.Descriptor `json:"descriptor"`
}

// patchExecutionRequest is the JSON body for PATCH /v1/executions/{id}.
type patchExecutionRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.WorkflowExecution `json:"executions"`
	Total      int                        `json:"total"`
	Limit      int                        `json:"limit"`
	Offset     int                        `json:"offset"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := identityFrom(r.Context())
	e, err := s.orch.Create(r.Context(), id.UserID, req.Descriptor, req.EstimatedSteps, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err, "create execution")
		return
	}

	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	e, err := s.orch.Get(r.Context(), id, owner)
	if err != nil {
		s.writeDomainError(w, err, "get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	owner := identityFrom(r.Context()).UserID
	status := r.URL.Query().Get("status")

	executions, total, err := s.store.ListExecutions(r.Context(), owner, status, limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.WorkflowExecution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handlePatchExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	var req patchExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	e, err := s.orch.Get(r.Context(), id, owner)
	if err != nil {
		s.writeDomainError(w, err, "patch execution")
		return
	}

	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	for k, v := range req.Metadata {
		if v == "" {
			delete(e.Metadata, k)
			continue
		}
		e.Metadata[k] = v
	}

	// Metadata-only write: a concurrent status change must not be overwritten
	// by the record read above.
	if err := s.store.UpdateExecutionMetadata(r.Context(), e); err != nil {
		s.writeDomainError(w, err, "patch execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	if err := s.orch.Delete(r.Context(), id, owner); err != nil {
		s.writeDomainError(w, err, "delete execution")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	var req startExecutionRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if _, err := s.orch.Get(r.Context(), id, owner); err != nil {
		s.writeDomainError(w, err, "start execution")
		return
	}

	if err := s.orch.Start(r.Context(), id, req.Descriptor); err != nil {
		s.writeDomainError(w, err, "start execution")
		return
	}

	e, err := s.orch.Get(r.Context(), id, owner)
	if err != nil {
		s.writeDomainError(w, err, "start execution")
		return
	}
	s.writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.orch.Pause)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, s.orch.Resume)
}

// handleLifecycle factors the shared ownership-check-then-act shape of the
// pause and resume endpoints.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	if _, err := s.orch.Get(r.Context(), id, owner); err != nil {
		s.writeDomainError(w, err, "lifecycle")
		return
	}

	if err := op(r.Context(), id); err != nil {
		s.writeDomainError(w, err, "lifecycle")
		return
	}

	e, err := s.orch.Get(r.Context(), id, owner)
	if err != nil {
		s.writeDomainError(w, err, "lifecycle")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	if _, err := s.orch.Get(r.Context(), id, owner); err != nil {
		s.writeDomainError(w, err, "cancel execution")
		return
	}

	cancelled, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "cancel execution")
		return
	}

	s.writeJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	steps, err := s.orch.Steps(r.Context(), id, owner)
	if err != nil {
		s.writeDomainError(w, err, "list steps")
		return
	}
	if steps == nil {
		steps = []*model.ExecutionStep{}
	}

	s.writeJSON(w, http.StatusOK, steps)
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, model.ErrInvalidDescriptor):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNotTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
