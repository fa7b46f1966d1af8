package agent

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/lmrelay/internal/api"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

const channelHTTP = "chat_http"

// replyWriteTimeout bounds writing the chat reply once the turn is done.
const replyWriteTimeout = 10 * time.Second

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	MaxRequestBodySize int64
	RateLimiter        *RateLimiter // nil disables throttling
	Logger             *slog.Logger
}

// Handler serves chat, session configuration and transcript endpoints.
type Handler struct {
	orch        *Orchestrator
	rateLimiter *RateLimiter
	maxBody     int64
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(orch *Orchestrator, opts HandlerOptions) *Handler {
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		orch:        orch,
		rateLimiter: opts.RateLimiter,
		maxBody:     opts.MaxRequestBodySize,
		logger:      opts.Logger,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/config", h.GetConfig)
		r.Post("/config", h.UpdateConfig)
		r.Get("/conversation", h.GetConversation)
		r.Delete("/conversation", h.ClearConversation)
	})
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientKey(r)) {
		api.Error(w, http.StatusTooManyRequests, ErrRateLimited.Error())
		return
	}

	var req ChatRequest
	if err := api.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		api.Error(w, api.DecodeStatus(err), err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("Chat request",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	// A turn may outlast the server's WriteTimeout; the deadline starts once
	// the reply is ready.
	rc := http.NewResponseController(w)
	h.setWriteDeadline(rc, time.Time{})
	reply, err := h.orch.HandleTurn(r.Context(), req.Turn(channelHTTP))
	h.setWriteDeadline(rc, time.Now().Add(replyWriteTimeout))
	if err != nil {
		h.logger.Error("Chat turn failed", "error", err)
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.Success(w, reply)
}

func (h *Handler) setWriteDeadline(rc *http.ResponseController, deadline time.Time) {
	if err := rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("Failed to set write deadline", "error", err)
	}
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.orch.Session())
}

// UpdateConfig handles POST /api/config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update SessionUpdate
	if err := api.DecodeJSON(w, r, h.maxBody, &update); err != nil {
		api.Error(w, api.DecodeStatus(err), err.Error())
		return
	}

	sess, err := h.orch.UpdateSession(update)
	if err != nil {
		if errors.Is(err, ErrInvalidMaxTokens) || errors.Is(err, ErrEmptyModel) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

// GetConversation handles GET /api/conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.orch.Transcript(r.Context())
	if err != nil {
		h.logger.Error("Failed to read transcript", "error", err)
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, ConversationResponse{Messages: msgs})
}

// ClearConversation handles DELETE /api/conversation.
func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ClearTranscript(r.Context()); err != nil {
		h.logger.Error("Failed to clear transcript", "error", err)
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
