package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipeweave/pipeweave/internal/queue"
)

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type enqueueRequest struct {
	TaskID         string          `json:"taskId"`
	Input          json.RawMessage `json:"input"`
	Priority       *int            `json:"priority,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.queue.Enqueue(r.Context(), queue.EnqueueInput{
		TaskID:         req.TaskID,
		Input:          req.Input,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	entries, err := s.dlq.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "id")
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.queue.Enqueue(r.Context(), queue.EnqueueInput{TaskID: req.TaskID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.dlq.MarkRetried(r.Context(), dlqID, result.RunID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dlqId": dlqID, "newRunId": result.RunID})
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	retentionDays := queryInt(r, "retentionDays", 30)
	n, err := s.dlq.Purge(r.Context(), retentionDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
