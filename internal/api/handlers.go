// Package api exposes the daemon's HTTP surface: the event intake endpoint,
// the supervisor workbench endpoints, and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/caddie/internal/pipeline"
	"github.com/kalambet/caddie/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// Server wires the orchestrator and store into HTTP handlers.
type Server struct {
	orchestrator *pipeline.Orchestrator
	store        *storage.Store
	registry     *prometheus.Registry
	logger       *slog.Logger
	apiToken     string
}

// NewServer creates the API server. apiToken guards every /v1 route.
func NewServer(o *pipeline.Orchestrator, store *storage.Store, registry *prometheus.Registry, logger *slog.Logger, apiToken string) *Server {
	return &Server{
		orchestrator: o,
		store:        store,
		registry:     registry,
		logger:       logger,
		apiToken:     apiToken,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(s.apiToken, s.logger))
		r.Post("/events", s.handleEvent)
		r.Get("/cases", s.handleListCases)
		r.Get("/cases/{id}", s.handleGetCase)
		r.Post("/cases/{id}/decision", s.handleDecision)
		r.Get("/conversations/{id}", s.handleGetConversation)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventRequest struct {
	Channel  string `json:"channel"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
}

type eventResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
	Reply          string `json:"reply,omitempty"`
	CaseID         string `json:"case_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	res, err := s.orchestrator.HandleInbound(r.Context(), pipeline.InboundEvent{
		Channel:  req.Channel,
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Text:     req.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eventResponse{
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Status:         res.Status,
		Reply:          res.Reply,
		CaseID:         res.CaseID,
		Reason:         res.Reason,
	})
}

type caseView struct {
	ID              string   `json:"id"`
	ConversationID  string   `json:"conversation_id"`
	MessageID       string   `json:"message_id"`
	DraftText       string   `json:"draft_text"`
	DraftConfidence float64  `json:"draft_confidence"`
	Citations       []string `json:"citations"`
	Reason          string   `json:"reason"`
	Status          string   `json:"status"`
	SupervisorID    string   `json:"supervisor_id,omitempty"`
	ResolutionText  string   `json:"resolution_text,omitempty"`
	CreatedAt       string   `json:"created_at"`
	ResolvedAt      string   `json:"resolved_at,omitempty"`
}

func toCaseView(c storage.Case) caseView {
	v := caseView{
		ID:              c.ID,
		ConversationID:  c.ConversationID,
		MessageID:       c.MessageID,
		DraftText:       c.DraftText,
		DraftConfidence: c.DraftConfidence,
		Reason:          c.Reason,
		Status:          c.Status,
		SupervisorID:    c.SupervisorID,
		ResolutionText:  c.ResolutionText,
		CreatedAt:       c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !c.ResolvedAt.IsZero() {
		v.ResolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if c.DraftCitations != "" {
		// Stored as a JSON array; a decode failure just leaves citations empty.
		_ = json.Unmarshal([]byte(c.DraftCitations), &v.Citations)
	}
	return v
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = storage.CasePending
	}

	cases, err := s.store.ListCasesByStatus(status, 50)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]caseView, len(cases))
	for i, c := range cases {
		views[i] = toCaseView(c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": views})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCase(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseView(c))
}

type decisionRequest struct {
	Decision     string `json:"decision"`
	SupervisorID string `json:"supervisor_id"`
	EditedText   string `json:"edited_text,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	res, err := s.orchestrator.HandleDecision(r.Context(), pipeline.DecisionRequest{
		CaseID:       chi.URLParam(r, "id"),
		Decision:     req.Decision,
		SupervisorID: req.SupervisorID,
		EditedText:   req.EditedText,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "resolved",
		"conversation_id": res.ConversationID,
		"reply":           res.Reply,
		"role":            res.Role,
	})
}

type messageView struct {
	Seq          int64  `json:"seq"`
	Role         string `json:"role"`
	Text         string `json:"text"`
	RedactedText string `json:"redacted_text,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.store.GetConversation(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.GetMessages(id, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{
			Seq:          m.Seq,
			Role:         m.Role,
			Text:         m.Text,
			RedactedText: m.RedactedText,
			CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":               conv.ID,
		"channel":          conv.Channel,
		"thread_id":        conv.ThreadID,
		"state":            conv.State,
		"override_active":  conv.OverrideActive,
		"version":          conv.Version,
		"last_activity_at": conv.LastActivityAt.UTC().Format(time.RFC3339),
		"messages":         views,
	})
}

// writeError maps domain errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "resource not found")
	case errors.Is(err, storage.ErrCaseResolved):
		httpError(w, http.StatusConflict, "invalid_state_error", "case already resolved")
	case errors.Is(err, pipeline.ErrConcurrentUpdate):
		httpError(w, http.StatusConflict, "concurrent_update_error", "conversation busy, retry the request")
	default:
		s.logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpError writes a JSON error body in the standard envelope.
func httpError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
