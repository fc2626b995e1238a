package api

import (
	"net/http"

	"github.com/cdelaunay/simrig/internal/model"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Ready   int    `json:"ready"`
	Faulted int    `json:"faulted"`
	Stopped int    `json:"stopped"`
}

// handleHealthz reports pool health: ok while every worker is serviceable,
// degraded once any worker has faulted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, st := range s.pool.Snapshot() {
		resp.Workers++
		switch st.State {
		case model.StateReady, model.StateRunning:
			resp.Ready++
		case model.StateFaulted:
			resp.Faulted++
		case model.StateStopped:
			resp.Stopped++
		}
	}
	if resp.Faulted > 0 {
		resp.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, resp)
}
