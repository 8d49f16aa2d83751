package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipeweave/pipeweave/internal/domain"
)

type callbackRequest struct {
	Outcome      domain.DispatchOutcome `json:"outcome"`
	OutputPath   string                 `json:"outputPath,omitempty"`
	OutputSize   *int64                 `json:"outputSize,omitempty"`
	Assets       map[string]any         `json:"assets,omitempty"`
	SelectedNext []string               `json:"selectedNext,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorCode    string                 `json:"errorCode,omitempty"`
}

// handleCallback is the worker-facing report of a task run's outcome. A
// success report marks the run completed and queues whatever the pipeline's
// frozen structure says comes next; a failure report marks the run failed
// and applies the pipeline's failure mode. This path schedules no retry and
// writes no DLQ entry, unlike a dispatch-time transport error.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()

	if req.Outcome == domain.DispatchFailure {
		errorCode := req.ErrorCode
		var errorCodePtr *string
		if errorCode != "" {
			errorCodePtr = &errorCode
		}
		if _, err := s.queue.MarkFailed(ctx, runID, req.Error, errorCodePtr); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.executor.HandleTaskFailure(ctx, runID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "status": "failed"})
		return
	}

	if _, err := s.queue.MarkCompleted(ctx, runID, req.OutputPath, req.OutputSize, req.Assets); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.heartbeat.CancelTracking(runID)

	queued, err := s.executor.QueueDownstreamTasks(ctx, runID, req.SelectedNext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":            runID,
		"status":           "completed",
		"queuedTaskRunIds": queued,
	})
}

type heartbeatRequest struct {
	RunID               string `json:"runId"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	Progress            *int   `json:"progress,omitempty"`
	Message             string `json:"message,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.heartbeat.RecordHeartbeat(r.Context(), req.RunID, req.HeartbeatIntervalMs, req.Progress, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runId": req.RunID, "status": "acknowledged"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"claimed": claimed})
}
