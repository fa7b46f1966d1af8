package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/lmrelay/internal/domain"
	"github.com/ashureev/lmrelay/internal/gateway"
	"github.com/ashureev/lmrelay/internal/store"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, o *Orchestrator, opts HandlerOptions) http.Handler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	r := chi.NewRouter()
	NewHandler(o, opts).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("%s %s: invalid JSON body %q: %v", method, path, w.Body.String(), err)
	}
	return w, got
}

func TestHandleChatSuccess(t *testing.T) {
	gw := &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("4")}}
	router := newTestRouter(t, newTestOrchestrator(t, gw, nil, nil), HandlerOptions{})

	w, got := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"2+2?","max_tokens":20,"enable_tools":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got["response"] != "4" || got["status"] != "success" {
		t.Fatalf("unexpected body %v", got)
	}
	req := gw.calls()[0]
	if req.MaxTokens != 20 || req.ToolsEnabled {
		t.Fatalf("request options not forwarded: %+v", req)
	}
}

func TestHandleChatBackendDownStillSucceeds(t *testing.T) {
	notice := `The model server is not reachable. Your message "hi" was received.`
	gw := &fakeGateway{outcomes: []gateway.Outcome{{Kind: gateway.Unavailable, Text: notice}}}
	router := newTestRouter(t, newTestOrchestrator(t, gw, nil, nil), HandlerOptions{})

	w, got := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if w.Code != http.StatusOK || got["response"] != notice || got["status"] != "success" {
		t.Fatalf("unexpected response %d %v", w.Code, got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversation", nil)
	cw := httptest.NewRecorder()
	router.ServeHTTP(cw, req)
	var conv ConversationResponse
	if err := json.Unmarshal(cw.Body.Bytes(), &conv); err != nil {
		t.Fatalf("invalid conversation body: %v", err)
	}
	assertRoles(t, conv.Messages, domain.RoleUser)
	if conv.Messages[0].Content != "hi" {
		t.Fatalf("unexpected user entry %+v", conv.Messages[0])
	}
}

func TestHandleChatOutlastsServerWriteTimeout(t *testing.T) {
	gw := &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("slow but fine")}, delay: 300 * time.Millisecond}
	router := newTestRouter(t, newTestOrchestrator(t, gw, nil, nil), HandlerOptions{})

	srv := httptest.NewUnstartedServer(router)
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("chat request failed: %v", err)
	}
	defer resp.Body.Close()

	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("reply body lost: %v", err)
	}
	if resp.StatusCode != http.StatusOK || got["response"] != "slow but fine" {
		t.Fatalf("unexpected reply %d %v", resp.StatusCode, got)
	}
}

func TestHandleChatRejectsBadRequests(t *testing.T) {
	router := newTestRouter(t, newTestOrchestrator(t, &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("x")}}, nil, nil), HandlerOptions{MaxRequestBodySize: 64})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing message", `{}`, http.StatusBadRequest},
		{"blank message", `{"message":"   "}`, http.StatusBadRequest},
		{"invalid json", `{"message":`, http.StatusBadRequest},
		{"zero max tokens", `{"message":"hi","max_tokens":0}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("x", 128) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, got := doJSON(t, router, http.MethodPost, "/api/chat", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			if got["status"] != "error" || got["error"] == "" {
				t.Fatalf("unexpected error body %v", got)
			}
		})
	}
}

func TestHandleChatStoreFailure(t *testing.T) {
	tr := &failingTranscript{MemoryTranscript: store.NewMemory(), fail: true}
	router := newTestRouter(t, newTestOrchestrator(t, &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("x")}}, nil, tr), HandlerOptions{})

	w, got := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if w.Code != http.StatusInternalServerError || got["status"] != "error" {
		t.Fatalf("unexpected response %d %v", w.Code, got)
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	router := newTestRouter(t, newTestOrchestrator(t, &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("x")}}, nil, nil), HandlerOptions{RateLimiter: rl})

	if w, _ := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"one"}`); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w, _ := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"two"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	router := newTestRouter(t, newTestOrchestrator(t, &fakeGateway{outcomes: []gateway.Outcome{finalOutcome("x")}}, nil, nil), HandlerOptions{})

	w, got := doJSON(t, router, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK || got["model_id"] != "default-model" || got["max_tokens"].(float64) != 1000 {
		t.Fatalf("unexpected config %d %v", w.Code, got)
	}

	w, got = doJSON(t, router, http.MethodPost, "/api/config", `{"model_id":"m2","max_tokens":64,"system_prompt":"terse"}`)
	if w.Code != http.StatusOK || got["model_id"] != "m2" || got["system_prompt"] != "terse" {
		t.Fatalf("unexpected update result %d %v", w.Code, got)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/config", `{"max_tokens":0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max_tokens=0, got %d", w.Code)
	}

	_, got = doJSON(t, router, http.MethodGet, "/api/config", "")
	if got["max_tokens"].(float64) != 64 {
		t.Fatalf("rejected update must not apply, got %v", got)
	}
}

func TestConversationEndpoints(t *testing.T) {
	call := codeCall("call_1", tools.JavaScriptTool, "console.log(1+1)")
	gw := &fakeGateway{outcomes: []gateway.Outcome{toolCallOutcome("", call), finalOutcome("The result is 2.")}}
	router := newTestRouter(t, newTestOrchestrator(t, gw, nil, nil), HandlerOptions{})

	if w, _ := doJSON(t, router, http.MethodPost, "/api/chat", `{"message":"run code"}`); w.Code != http.StatusOK {
		t.Fatalf("chat failed with %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversation", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var conv struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	assertRoles(t, conv.Messages, domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant)
	if conv.Messages[1].ToolCalls[0].Arguments["code"] != "console.log(1+1)" {
		t.Fatalf("tool call arguments missing from transcript: %+v", conv.Messages[1])
	}

	w2, got := doJSON(t, router, http.MethodDelete, "/api/conversation", "")
	if w2.Code != http.StatusOK || got["status"] != "cleared" {
		t.Fatalf("unexpected clear response %d %v", w2.Code, got)
	}

	_, got = doJSON(t, router, http.MethodGet, "/api/conversation", "")
	msgs, ok := got["messages"].([]any)
	if !ok || len(msgs) != 0 {
		t.Fatalf("expected empty message list after clear, got %v", got["messages"])
	}
}
