package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/caddie/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func TestCasesList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/cases": `{"cases":[{"id":"case-1","conversation_id":"slack:t1","reason":"low_confidence","draft_confidence":0.42,"draft_text":"You may be eligible for housing benefit.","created_at":"2026-01-01T00:00:00Z"}]}`,
	})

	client := ts.client()
	resp, err := client.get("/v1/cases?status=pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Cases []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"cases"`
	}
	if err := decodeResponse(resp, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(body.Cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(body.Cases))
	}
	if body.Cases[0].ID != "case-1" {
		t.Errorf("id = %q, want case-1", body.Cases[0].ID)
	}
	if body.Cases[0].Reason != "low_confidence" {
		t.Errorf("reason = %q, want low_confidence", body.Cases[0].Reason)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/v1/cases?status=pending" {
		t.Errorf("path = %q, want /v1/cases?status=pending", ts.requests[0].Path)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestCasesResolve_RequestShape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/cases/case-9/decision": `{"status":"resolved","conversation_id":"slack:t9","reply":"final text","role":"supervisor"}`,
	})

	client := ts.client()
	resp, err := client.post("/v1/cases/case-9/decision", map[string]string{
		"decision":      "edited",
		"supervisor_id": "alice",
		"edited_text":   "final text",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeResponse(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "resolved" {
		t.Errorf("status = %q, want resolved", result["status"])
	}
	if result["conversation_id"] != "slack:t9" {
		t.Errorf("conversation_id = %q, want slack:t9", result["conversation_id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var sent map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["decision"] != "edited" {
		t.Errorf("body.decision = %q, want edited", sent["decision"])
	}
	if sent["supervisor_id"] != "alice" {
		t.Errorf("body.supervisor_id = %q, want alice", sent["supervisor_id"])
	}
	if sent["edited_text"] != "final text" {
		t.Errorf("body.edited_text = %q, want 'final text'", sent["edited_text"])
	}
}

func TestCasesResolve_MissingFlags(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"cases", "resolve", "case-1"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing required flags")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestConversationTimeline(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/conversations/slack:t1": `{"id":"slack:t1","state":"idle","override_active":true,"messages":[{"seq":1,"role":"user","text":"hello","created_at":"2026-01-01T00:00:00Z"},{"seq":2,"role":"bot","text":"hi","created_at":"2026-01-01T00:00:01Z"}]}`,
	})

	client := ts.client()
	resp, err := client.get("/v1/conversations/slack:t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var conv struct {
		ID             string `json:"id"`
		State          string `json:"state"`
		OverrideActive bool   `json:"override_active"`
		Messages       []struct {
			Seq  int64  `json:"seq"`
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := decodeResponse(resp, &conv); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if conv.State != "idle" {
		t.Errorf("state = %q, want idle", conv.State)
	}
	if !conv.OverrideActive {
		t.Error("expected override_active to be true")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
	}
	if conv.Messages[1].Role != "bot" {
		t.Errorf("role = %q, want bot", conv.Messages[1].Role)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get("/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get("/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeResponse_ErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"case already resolved","type":"invalid_state_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "test",
		httpClient: ts.Client(),
	}

	resp, err := client.get("/v1/cases/case-1")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeResponse(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("error = %q, want it to contain '409'", err.Error())
	}
	if !strings.Contains(err.Error(), "already resolved") {
		t.Errorf("error = %q, want it to include the server message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.LLM.Model = "anthropic/claude-opus-4"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a longer draft reply", 8, "a longer…"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
