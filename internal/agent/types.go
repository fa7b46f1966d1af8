// Package agent orchestrates conversation turns between the user, the model
// backend and the code sandbox, and serves them over HTTP and WebSocket.
package agent

import (
	"errors"
	"strings"

	"github.com/ashureev/lmrelay/internal/domain"
)

var (
	// ErrEmptyMessage is returned for chat requests without text.
	ErrEmptyMessage = errors.New("message is required")
	// ErrInvalidMaxTokens is returned for a max_tokens value below one.
	ErrInvalidMaxTokens = errors.New("max_tokens must be greater than 0")
	// ErrEmptyModel is returned when a session update clears the model id.
	ErrEmptyModel = errors.New("model_id cannot be empty")
	// ErrRateLimited is returned when a client exceeds its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidFrame is returned for websocket frames of unknown type.
	ErrInvalidFrame = errors.New("unsupported frame type")
)

// Session holds the per-process chat defaults.
type Session struct {
	ModelID      string `json:"model_id"`
	MaxTokens    int    `json:"max_tokens"`
	SystemPrompt string `json:"system_prompt"`
}

func (s Session) validate() error {
	if strings.TrimSpace(s.ModelID) == "" {
		return ErrEmptyModel
	}
	if s.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}
	return nil
}

// SessionUpdate is the body of POST /api/config. Nil fields are left alone.
type SessionUpdate struct {
	ModelID      *string `json:"model_id,omitempty"`
	MaxTokens    *int    `json:"max_tokens,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// TurnRequest is one user turn. Zero values fall back to the session.
type TurnRequest struct {
	Message      string
	ModelID      string
	MaxTokens    int
	EnableTools  bool
	SystemPrompt *string
	// Channel names the surface the turn came from, for logs.
	Channel string
}

// ChatRequest is the JSON body of POST /api/chat and of /ws/chat frames.
type ChatRequest struct {
	Message      string  `json:"message"`
	ModelID      string  `json:"model_id,omitempty"`
	MaxTokens    *int    `json:"max_tokens,omitempty"`
	EnableTools  *bool   `json:"enable_tools,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// Validate checks the request before any turn starts.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}
	return nil
}

// Turn converts the request. Tools are enabled unless the client opts out.
func (r ChatRequest) Turn(channel string) TurnRequest {
	t := TurnRequest{
		Message:      r.Message,
		ModelID:      strings.TrimSpace(r.ModelID),
		EnableTools:  true,
		SystemPrompt: r.SystemPrompt,
		Channel:      channel,
	}
	if r.MaxTokens != nil {
		t.MaxTokens = *r.MaxTokens
	}
	if r.EnableTools != nil {
		t.EnableTools = *r.EnableTools
	}
	return t
}

// ChatResponse is the success body of POST /api/chat.
type ChatResponse struct {
	Response string `json:"response"`
	Status   string `json:"status"`
}

// ConversationResponse is the body of GET /api/conversation.
type ConversationResponse struct {
	Messages []domain.Message `json:"messages"`
}
