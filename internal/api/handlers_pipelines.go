package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/executor"
	"github.com/pipeweave/pipeweave/internal/pipeline"
)

type upsertPipelineRequest struct {
	ID          string                         `json:"id"`
	Name        string                         `json:"name"`
	Description string                         `json:"description"`
	EntryTasks  []string                       `json:"entryTasks"`
	Structure   map[string]domain.PipelineNode `json:"structure"`
	FailureMode domain.FailureMode             `json:"failureMode"`
}

func (s *Server) handleUpsertPipeline(w http.ResponseWriter, r *http.Request) {
	var req upsertPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.pipelines.Upsert(r.Context(), pipeline.UpsertInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		EntryTasks:  req.EntryTasks,
		Structure:   req.Structure,
		FailureMode: req.FailureMode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.pipelines.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.pipelines.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPipelineRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.URL.Query().Get("pipelineId")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	runs, err := s.pipelines.ListRuns(r.Context(), pipelineID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type triggerPipelineRequest struct {
	Input       json.RawMessage     `json:"input"`
	FailureMode *domain.FailureMode `json:"failureMode,omitempty"`
	Priority    *int                `json:"priority,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req triggerPipelineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := s.executor.TriggerPipeline(r.Context(), executor.TriggerInput{
		PipelineID:  id,
		Input:       []byte(req.Input),
		FailureMode: req.FailureMode,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		if errors.Is(err, executor.ErrMaintenanceDenied) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, levels, err := s.executor.DryRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.OK(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
		"levels":   levels,
	})
}

type schedulePipelineRequest struct {
	Cron     string         `json:"cron"`
	Input    json.RawMessage `json:"input"`
	Priority *int           `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleSchedulePipeline registers a recurring trigger for a pipeline on a
// cron schedule. This route has no analogue in the minimum HTTP surface;
// it exists so a pipeline can run unattended instead of only on demand.
func (s *Server) handleSchedulePipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req schedulePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Cron == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("cron expression is required"))
		return
	}

	entryID, err := s.cron.AddFunc(req.Cron, func() {
		ctx := context.Background()
		_, err := s.executor.TriggerPipeline(ctx, executor.TriggerInput{
			PipelineID: id,
			Input:      []byte(req.Input),
			Priority:   req.Priority,
			Metadata:   req.Metadata,
		})
		if err != nil {
			s.log.Error("scheduled pipeline trigger failed", "pipelineId", id, "error", err)
		}
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"pipelineId": id,
		"entryId":    int(entryID),
		"cron":       req.Cron,
	})
}
