package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(allowed []string, method, origin string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(method, "/api/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	w := httptest.NewRecorder()
	CORS(allowed)(next).ServeHTTP(w, req)
	return w
}

func TestCORSExplicitOrigin(t *testing.T) {
	w := serveCORS([]string{"http://localhost:5173"}, http.MethodPost, "http://localhost:5173")
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected request to reach handler, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials for explicit origin")
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodGet, "http://other.test")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://other.test" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard must not allow credentials")
	}
}

func TestCORSRejectedOrigin(t *testing.T) {
	w := serveCORS([]string{"http://localhost:5173"}, http.MethodGet, "http://evil.test")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected allow-origin for foreign origin")
	}
	if w.Code != http.StatusTeapot {
		t.Fatalf("non-preflight request must still reach handler, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodOptions, "http://localhost:8000")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected allow-methods on preflight")
	}
}
