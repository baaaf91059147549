package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davmazz/marvin/internal/queue"
	"github.com/davmazz/marvin/internal/sessions"
)

type submitTaskRequest struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	Target         string `json:"target"`
	Description    string `json:"description"`
}

type submitTaskResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.tasks.Submit(r.Context(), queue.SubmitRequest{
		Kind:           queue.Kind(strings.TrimSpace(req.Kind)),
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Target:         req.Target,
		Description:    req.Description,
	})
	if err != nil {
		var vErr *queue.ValidationError
		if errors.As(err, &vErr) {
			respondError(w, http.StatusBadRequest, "invalid_request", vErr.Error())
			return
		}
		var cErr *queue.ConflictError
		if errors.As(err, &cErr) {
			respondError(w, http.StatusConflict, "session_conflict", cErr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_submit_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, submitTaskResponse{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Status:    string(task.Status),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.tasks.Get(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	if _, err := s.tasks.Get(taskID); err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}

	cancelled := s.tasks.Cancel(r.Context(), taskID)
	task, err := s.tasks.Get(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"task":      task,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.tasks.Status())
}

type sessionStatusResponse struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	Target      string `json:"target"`
	Description string `json:"description"`
	StartedAt   string `json:"started_at"`
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}

	sess, err := s.store.GetActive(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no_active_session", "no active session for conversation")
			return
		}
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sessionStatusResponse{
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		Target:      sess.Target,
		Description: sess.Description,
		StartedAt:   sess.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	history, err := s.store.History(r.Context(), conversationID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"sessions":        history,
	})
}
