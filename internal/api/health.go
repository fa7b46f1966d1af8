package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	transcript Pinger
	backend    Pinger
	timeout    time.Duration
}

// NewHealthHandler creates a health handler. Either dependency may be nil.
func NewHealthHandler(transcript, backend Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{transcript: transcript, backend: backend, timeout: timeout}
}

// Health is the liveness probe. It never touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "API server is running",
	})
}

// Ready reports the transcript store and model backend. Only the store is
// required; an unreachable backend still leaves the relay usable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "ok", "checks": checks}
	statusCode := http.StatusOK

	if h.transcript != nil {
		if err := h.transcript.Ping(ctx); err != nil {
			slog.Error("Readiness check failed", "dependency", "transcript", "error", err)
			checks["transcript"] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["transcript"] = "ok"
		}
	}

	if h.backend != nil {
		if err := h.backend.Ping(ctx); err != nil {
			slog.Warn("Model backend not reachable", "error", err)
			checks["model_backend"] = "unreachable"
		} else {
			checks["model_backend"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/ready", h.Ready)
}
