package api

import (
	"errors"
	"net/http"

	"github.com/pipeweave/pipeweave/internal/maintenance"
)

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMaintenanceRequest(w http.ResponseWriter, r *http.Request) {
	mode, err := s.maintenance.RequestMaintenance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleMaintenanceEnter(w http.ResponseWriter, r *http.Request) {
	if err := s.maintenance.EnterMaintenance(r.Context()); err != nil {
		if errors.Is(err, maintenance.ErrActiveTasksRemain) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"entered": true})
}

func (s *Server) handleMaintenanceExit(w http.ResponseWriter, r *http.Request) {
	if err := s.maintenance.ExitMaintenance(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exited": true})
}
