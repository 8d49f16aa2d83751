package api

import (
	"encoding/json"
	"net/http"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/registry"
)

type healthResponse struct {
	Status          string                 `json:"status"`
	CanAcceptTasks  bool                   `json:"canAcceptTasks"`
	MaintenanceMode domain.MaintenanceMode `json:"maintenanceMode"`
	RunningTasks    int64                  `json:"runningTasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	canAccept, err := s.maintenance.CanAcceptTasks(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state, err := s.maintenance.State(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status, err := s.queue.GetStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		CanAcceptTasks:  canAccept,
		MaintenanceMode: state.Mode,
		RunningTasks:    status.ByStatus[domain.TaskRunRunning],
	})
}

type registerRequest struct {
	ServiceID string               `json:"serviceId"`
	Version   string               `json:"version"`
	BaseURL   string               `json:"baseUrl"`
	Tasks     []registry.TaskInput `json:"tasks"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.reg.Register(r.Context(), req.ServiceID, req.Version, req.BaseURL, req.Tasks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"codeChanges":   result.CodeChanges,
		"orphanedTasks": result.OrphanedTasks,
	})
}
