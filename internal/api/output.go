package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultOutputLimit = 100
	maxOutputLimit     = 1000
)

// terminalOutputLine is a single record in the output history response.
type terminalOutputLine struct {
	Seq       int64  `json:"seq"`
	StepID    string `json:"step_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	AgentName string `json:"agent_name,omitempty"`
	CreatedAt string `json:"created_at"`
}

// terminalOutputResponse is the JSON response for GET
// /v1/executions/{id}/output.
type terminalOutputResponse struct {
	ExecutionID string               `json:"execution_id"`
	Lines       []terminalOutputLine `json:"lines"`
}

func (s *Server) handleGetTerminalOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identityFrom(r.Context()).UserID

	if _, err := s.orch.Get(r.Context(), id, owner); err != nil {
		s.writeDomainError(w, err, "get terminal output")
		return
	}

	limit := parseIntQuery(r, "limit", defaultOutputLimit)
	if limit <= 0 || limit > maxOutputLimit {
		limit = defaultOutputLimit
	}
	stepID := r.URL.Query().Get("step")

	records, err := s.store.ListTerminalOutput(r.Context(), id, stepID, limit)
	if err != nil {
		s.logger.Error("list terminal output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get terminal output")
		return
	}

	lines := make([]terminalOutputLine, len(records))
	for i, rec := range records {
		lines[i] = terminalOutputLine{
			Seq:       rec.ID,
			StepID:    rec.StepID,
			Kind:      rec.Kind,
			Content:   rec.Content,
			AgentName: rec.AgentName,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, terminalOutputResponse{
		ExecutionID: id,
		Lines:       lines,
	})
}
