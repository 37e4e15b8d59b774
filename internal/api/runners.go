package api

import "net/http"

// runnersResponse is the JSON response for GET /v1/runners.
type runnersResponse struct {
	Runners []string `json:"runners"`
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, runnersResponse{Runners: s.runners.List()})
}
