package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/caddie/internal/knowledge"
	"github.com/kalambet/caddie/internal/llm"
	"github.com/kalambet/caddie/internal/metrics"
	"github.com/kalambet/caddie/internal/pii"
	"github.com/kalambet/caddie/internal/pipeline"
	"github.com/kalambet/caddie/internal/storage"
	"github.com/kalambet/caddie/internal/supervision"
)

const testToken = "test-token"

type stubRetriever struct{}

func (stubRetriever) Retrieve(context.Context, string, int) ([]knowledge.Passage, error) {
	return nil, nil
}

type stubResponder struct {
	text       string
	confidence float64
}

func (s stubResponder) Draft(context.Context, []storage.Message, []knowledge.Passage) (llm.Draft, error) {
	return llm.Draft{Text: s.text, Confidence: s.confidence}, nil
}

func newTestServer(t *testing.T, responder pipeline.Responder) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := pipeline.New(
		store,
		pii.NewScanner(),
		stubRetriever{},
		responder,
		supervision.Gate{PIIEscalationThreshold: 0.75, ApprovalThreshold: 0.80},
		metrics.New(registry),
		logger,
		pipeline.Config{},
	)
	return NewServer(o, store, registry, logger, testToken), store
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "ok", confidence: 0.9})
	h := s.Router()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, "/v1/cases", tt.token, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health and metrics stay open.
	if rec := doRequest(t, h, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestHandleEvent_Sent(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "Here you go.", confidence: 0.95})
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/events", testToken,
		`{"channel":"slack","thread_id":"t1","user_id":"u1","text":"what are your opening hours?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res eventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "sent" || res.Reply != "Here you go." || res.ConversationID != "slack:t1" {
		t.Errorf("response = %+v", res)
	}
}

func TestHandleEvent_Validation(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "x", confidence: 0.9})
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/events", testToken,
		`{"channel":"slack","thread_id":"t1","text":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestDecisionFlow(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "Low confidence draft.", confidence: 0.5})
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/events", testToken,
		`{"channel":"slack","thread_id":"t1","text":"tricky question"}`)
	var ev eventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Status != "pending" || ev.CaseID == "" {
		t.Fatalf("event response = %+v", ev)
	}

	// Case shows up in the pending list.
	rec = doRequest(t, h, http.MethodGet, "/v1/cases?status=pending", testToken, "")
	if !strings.Contains(rec.Body.String(), ev.CaseID) {
		t.Errorf("pending list missing case: %s", rec.Body.String())
	}

	// Approve it.
	rec = doRequest(t, h, http.MethodPost, "/v1/cases/"+ev.CaseID+"/decision", testToken,
		`{"decision":"approved","supervisor_id":"sup-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Second resolution conflicts.
	rec = doRequest(t, h, http.MethodPost, "/v1/cases/"+ev.CaseID+"/decision", testToken,
		`{"decision":"rejected","supervisor_id":"sup-2"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double resolve status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_state_error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetConversation(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "Answer.", confidence: 0.95})
	h := s.Router()

	doRequest(t, h, http.MethodPost, "/v1/events", testToken,
		`{"channel":"slack","thread_id":"t9","text":"hello there"}`)

	rec := doRequest(t, h, http.MethodGet, "/v1/conversations/slack:t9", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res struct {
		ID       string        `json:"id"`
		State    string        `json:"state"`
		Messages []messageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.ID != "slack:t9" || res.State != storage.StateIdle || len(res.Messages) != 2 {
		t.Errorf("conversation = %+v", res)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s, _ := newTestServer(t, stubResponder{text: "x", confidence: 0.9})
	h := s.Router()

	rec := doRequest(t, h, http.MethodGet, "/v1/conversations/slack:missing", testToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_found_error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
