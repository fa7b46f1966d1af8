package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	channelWS = "chat_ws"

	wsWriteTimeout = 10 * time.Second
)

// wsFrame is a client frame. Type defaults to "chat".
type wsFrame struct {
	Type string `json:"type,omitempty"`
	ChatRequest
}

// wsReply mirrors the POST /api/chat bodies with a frame type.
type wsReply struct {
	Type     string `json:"type"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Status   string `json:"status,omitempty"`
}

// WebSocketHandler serves /ws/chat.
type WebSocketHandler struct {
	orch           *Orchestrator
	rateLimiter    *RateLimiter
	maxMessageSize int64
	allowedOrigin  string
	isDev          bool
	logger         *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// WebSocketOptions configures a WebSocketHandler.
type WebSocketOptions struct {
	MaxMessageSize int64
	AllowedOrigin  string
	IsDev          bool
	RateLimiter    *RateLimiter
	Logger         *slog.Logger
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(orch *Orchestrator, opts WebSocketOptions) *WebSocketHandler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxRequestBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WebSocketHandler{
		orch:           orch,
		rateLimiter:    opts.RateLimiter,
		maxMessageSize: opts.MaxMessageSize,
		allowedOrigin:  opts.AllowedOrigin,
		isDev:          opts.IsDev,
		logger:         opts.Logger,
		conns:          make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	h.logger.Info("WebSocket connection request", "ip", key)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// The hijacked conn keeps the server's deadlines; turns pace this socket.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	h.register(ws)
	defer h.unregister(ws)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.readLoop(r.Context(), ws, key)
	h.logger.Info("WebSocket chat ended", "ip", key)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, key string) {
	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			// wsjson closes the socket itself on undecodable frames.
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "ip", key)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "ip", key)
			}
			return
		}

		reply := h.dispatch(ctx, frame, key)
		if err := h.write(ctx, ws, reply); err != nil {
			h.logger.Debug("Failed to write websocket reply", "error", err)
			return
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, frame wsFrame, key string) wsReply {
	switch frame.Type {
	case "ping":
		return wsReply{Type: "pong"}
	case "clear":
		if err := h.orch.ClearTranscript(ctx); err != nil {
			h.logger.Error("Failed to clear transcript", "error", err)
			return errorReply(err)
		}
		return wsReply{Type: "cleared", Status: "cleared"}
	case "", "chat":
	default:
		return errorReply(ErrInvalidFrame)
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(key) {
		return errorReply(ErrRateLimited)
	}
	if err := frame.Validate(); err != nil {
		return errorReply(err)
	}

	reply, err := h.orch.HandleTurn(ctx, frame.Turn(channelWS))
	if err != nil {
		h.logger.Error("Chat turn failed", "error", err)
		return errorReply(err)
	}
	return wsReply{Type: "reply", Response: reply, Status: "success"}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, v wsReply) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) register(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[ws] = struct{}{}
}

func (h *WebSocketHandler) unregister(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, ws)
}

// CloseAll closes every open chat socket. Used on shutdown, since
// http.Server.Shutdown does not wait for hijacked connections.
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.Unlock()

	for _, ws := range conns {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func errorReply(err error) wsReply {
	return wsReply{Type: "error", Error: err.Error(), Status: "error"}
}
