//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/lmrelay/internal/gateway"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/go-chi/chi/v5"
)

type fakeModels struct {
	models []gateway.Model
	err    error
}

func (f *fakeModels) ListModels(context.Context) ([]gateway.Model, error) {
	return f.models, f.err
}

func newRouter(t *testing.T, models ModelLister, health *HealthHandler) http.Handler {
	t.Helper()
	reg, err := tools.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	r := chi.NewRouter()
	NewHandler(models, reg, nil).RegisterRoutes(r)
	if health != nil {
		health.RegisterHealth(r)
	}
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorBody(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, "message is required")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["error"] != "message is required" || got["status"] != "error" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst map[string]any

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	if err := DecodeJSON(w, r, 1024, &dst); err != nil || dst["message"] != "hi" {
		t.Fatalf("unexpected decode result %v %v", dst, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	err := DecodeJSON(w, r, 1024, &dst)
	if !errors.Is(err, ErrInvalidBody) || DecodeStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected invalid body, got %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"`+strings.Repeat("a", 64)+`"}`))
	err = DecodeJSON(w, r, 16, &dst)
	if !errors.Is(err, ErrBodyTooLarge) || DecodeStatus(err) != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected body too large, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	models := &fakeModels{models: []gateway.Model{{ID: "m1", Object: "model", OwnedBy: "lab", MaxContextLength: 8192, State: "loaded", Type: "llm"}}}
	router := newRouter(t, models, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data := decodeBody(t, w)["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected one model, got %v", data)
	}
	entry := data[0].(map[string]any)
	for _, key := range []string{"id", "object", "owned_by", "max_context_length", "state", "type"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("model entry missing %q: %v", key, entry)
		}
	}
}

func TestListModelsBackendFailure(t *testing.T) {
	router := newRouter(t, &fakeModels{err: errors.New("connection refused")}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", w.Code)
	}
	if got := decodeBody(t, w); got["status"] != "error" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestListTools(t *testing.T) {
	router := newRouter(t, &fakeModels{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	list := decodeBody(t, w)["tools"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected two tools, got %d", len(list))
	}
	fn := list[1].(map[string]any)["function"].(map[string]any)
	if fn["name"] != tools.PythonTool {
		t.Errorf("unexpected tool order: %v", fn["name"])
	}
}

func TestHealth(t *testing.T) {
	failing := PingFunc(func(context.Context) error { return errors.New("down") })
	router := newRouter(t, &fakeModels{}, NewHealthHandler(failing, failing, 0))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on dependencies, got %d", w.Code)
	}
	if got := decodeBody(t, w); got["status"] != "ok" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestReady(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name       string
		transcript Pinger
		backend    Pinger
		wantCode   int
		wantStatus string
	}{
		{"all ok", ok, ok, http.StatusOK, "ok"},
		{"backend down", ok, down, http.StatusOK, "ok"},
		{"store down", down, ok, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(t, &fakeModels{}, NewHealthHandler(tt.transcript, tt.backend, 0))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if got := decodeBody(t, w); got["status"] != tt.wantStatus {
				t.Fatalf("unexpected body %v", got)
			}
		})
	}
}
