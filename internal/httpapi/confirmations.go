package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davmazz/marvin/internal/confirm"
)

type stageConfirmationRequest struct {
	OwnerID string            `json:"owner_id"`
	Action  string            `json:"action"`
	Params  map[string]string `json:"params"`
	Context string            `json:"context"`
	TTLMS   int64             `json:"ttl_ms"`
}

func (s *Server) handleStageConfirmation(w http.ResponseWriter, r *http.Request) {
	var req stageConfirmationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Action = strings.TrimSpace(req.Action)
	if req.OwnerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}
	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	ttl := s.cfg.ConfirmTTL
	if req.TTLMS > 0 {
		ttl = time.Duration(req.TTLMS) * time.Millisecond
	}

	replaced := s.confirmations.Stage(req.OwnerID, req.Action, req.Params, req.Context, ttl)
	s.metrics.ObserveConfirmationEvent("staged")
	if replaced {
		s.metrics.ObserveConfirmationEvent("replaced")
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"owner_id": req.OwnerID,
		"replaced": replaced,
		"ttl_ms":   ttl.Milliseconds(),
	})
}

type confirmationReplyRequest struct {
	Text string `json:"text"`
}

// handleConfirmationReply classifies a free-text reply and, on approval,
// atomically consumes the pending proposal so the caller can execute it.
func (s *Server) handleConfirmationReply(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(chi.URLParam(r, "owner"))
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_owner_id", "missing owner id")
		return
	}

	var req confirmationReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	verdict := s.confirmations.Classify(req.Text)
	switch verdict {
	case confirm.VerdictApprove:
		pending, result := s.confirmations.Consume(ownerID)
		switch result {
		case confirm.ConsumeOK:
			s.metrics.ObserveConfirmationEvent("approved")
			respondJSON(w, http.StatusOK, map[string]any{
				"verdict":      string(verdict),
				"result":       string(result),
				"confirmation": pending,
			})
		case confirm.ConsumeExpired:
			s.metrics.ObserveConfirmationEvent("expired")
			respondJSON(w, http.StatusOK, map[string]any{
				"verdict": string(verdict),
				"result":  string(result),
			})
		default:
			respondJSON(w, http.StatusOK, map[string]any{
				"verdict": string(verdict),
				"result":  string(result),
			})
		}
	case confirm.VerdictDeny:
		existed := s.confirmations.Deny(ownerID)
		if existed {
			s.metrics.ObserveConfirmationEvent("denied")
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"verdict": string(verdict),
			"denied":  existed,
		})
	default:
		respondJSON(w, http.StatusOK, map[string]any{
			"verdict": string(verdict),
		})
	}
}

func (s *Server) handleConfirmationStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(chi.URLParam(r, "owner"))
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_owner_id", "missing owner id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"owner_id": ownerID,
		"pending":  s.confirmations.HasPending(ownerID),
	})
}
