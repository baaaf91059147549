package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/davmazz/marvin/internal/config"
	"github.com/davmazz/marvin/internal/confirm"
	"github.com/davmazz/marvin/internal/observability"
	"github.com/davmazz/marvin/internal/queue"
	"github.com/davmazz/marvin/internal/sessions"
)

// Server exposes the task core to the skill layer over HTTP.
type Server struct {
	cfg           config.Config
	tasks         *queue.Queue
	confirmations *confirm.Manager
	store         sessions.Store
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, tasks *queue.Queue, confirmations *confirm.Manager, store sessions.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:           cfg,
		tasks:         tasks,
		confirmations: confirmations,
		store:         store,
		metrics:       metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may watch a
				// conversation's event stream.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Post("/v1/tasks", s.handleSubmitTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/queue", s.handleQueueStatus)

	r.Get("/v1/conversations/{id}/session", s.handleActiveSession)
	r.Get("/v1/conversations/{id}/history", s.handleSessionHistory)
	r.Get("/v1/conversations/{id}/events", s.handleEventsWS)

	r.Post("/v1/confirmations", s.handleStageConfirmation)
	r.Post("/v1/confirmations/{owner}/reply", s.handleConfirmationReply)
	r.Get("/v1/confirmations/{owner}", s.handleConfirmationStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.tasks.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"queued":   st.Queued,
		"running":  st.Running,
		"capacity": st.Capacity,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
