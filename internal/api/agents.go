package api

import "net/http"

// agentsResponse is the JSON response for GET /v1/agents.
type agentsResponse struct {
	Agents []string `json:"agents"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.registry.AgentTypes()
	if agents == nil {
		agents = []string{}
	}
	s.writeJSON(w, http.StatusOK, agentsResponse{Agents: agents})
}
