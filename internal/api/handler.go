// Package api provides JSON helpers and the read-only catalog endpoints of the
// relay API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/lmrelay/internal/gateway"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/go-chi/chi/v5"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	// ErrBodyTooLarge is returned by DecodeJSON when the body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrInvalidBody is returned by DecodeJSON for unparsable bodies.
	ErrInvalidBody = errors.New("invalid request body")
)

// ModelLister lists the backend's models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]gateway.Model, error)
}

// Handler serves the model and tool catalogs.
type Handler struct {
	models ModelLister
	tools  *tools.Registry
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(models ModelLister, registry *tools.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{models: models, tools: registry, logger: logger}
}

// RegisterRoutes registers the catalog routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/models", h.ListModels)
	r.Get("/api/tools", h.ListTools)
}

// ListModels proxies the backend's model listing.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		h.logger.Warn("Failed to list models", "error", err)
		Error(w, http.StatusBadGateway, "model server unavailable: "+err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"data": models})
}

// ListTools returns the tool catalog in the chat-completions tool shape.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	defs := h.tools.Definitions()
	specs := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, d.FunctionSpec())
	}
	JSON(w, http.StatusOK, map[string]any{"tools": specs})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message, "status": statusError})
}

// Success writes the chat success body.
func Success(w http.ResponseWriter, response string) {
	JSON(w, http.StatusOK, map[string]string{"response": response, "status": statusSuccess})
}

// DecodeJSON reads at most maxBytes of r's body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return ErrInvalidBody
	}
	return nil
}

// DecodeStatus maps a DecodeJSON error to its HTTP status.
func DecodeStatus(err error) int {
	if errors.Is(err, ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
