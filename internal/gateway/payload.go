package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/lmrelay/internal/domain"
)

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

type chatPayload struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

// wireMessage is the OpenAI message shape. Content is a pointer so an
// assistant tool-call turn with no text is sent as null.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name string `json:"name"`
	// Arguments is a JSON string in requests. Replies may carry either a
	// string or an object, so decoding goes through json.RawMessage.
	Arguments json.RawMessage `json:"arguments"`
}

type chatReply struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   any            `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func buildPayload(req Request) chatPayload {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		prompt := req.SystemPrompt
		msgs = append(msgs, wireMessage{Role: string(domain.RoleSystem), Content: &prompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toWire(m))
	}

	p := chatPayload{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.ToolsEnabled && len(req.Tools) > 0 {
		p.Tools = make([]map[string]any, 0, len(req.Tools))
		for _, d := range req.Tools {
			p.Tools = append(p.Tools, d.FunctionSpec())
		}
		p.ToolChoice = "auto"
	}
	return p
}

func toWire(m domain.Message) wireMessage {
	content := m.Content
	wm := wireMessage{
		Role:       string(m.Role),
		Content:    &content,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if !m.HasToolCalls() {
		return wm
	}
	if content == "" {
		wm.Content = nil
	}
	wm.ToolCalls = make([]wireToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: encodeArguments(tc),
			},
		})
	}
	return wm
}

// encodeArguments returns the arguments as a JSON string literal, reusing
// the backend's original text when it is known.
func encodeArguments(tc domain.ToolCall) json.RawMessage {
	raw := tc.RawArguments
	if raw == "" {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		data, err := json.Marshal(args)
		if err != nil {
			data = []byte("{}")
		}
		raw = string(data)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

// parseReply validates the reply shape and converts choices[0].message into
// an assistant message.
func (c *Client) parseReply(raw []byte) (domain.Message, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if err := c.replySchema.Validate(generic); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	choice := reply.Choices[0].Message

	msg := domain.Message{
		Role:    domain.RoleAssistant,
		Content: contentText(choice.Content),
	}
	// Calls with an empty name are kept so they get an unknown-tool result
	// and the assistant message is replayed as the backend sent it.
	for _, tc := range choice.ToolCalls {
		call := domain.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if call.ID == "" {
			call.ID = newToolCallID()
		}
		call.Arguments, call.RawArguments = decodeArguments(tc.Function.Arguments)
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg, nil
}

// decodeArguments accepts a JSON string holding an object, or an object. The
// parsed map is nil when the arguments are not a JSON object; the raw text
// is always kept.
func decodeArguments(raw json.RawMessage) (map[string]any, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ""
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, string(raw)
		}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, text
	}
	return args, text
}

// contentText flattens string or content-part array replies into text.
func contentText(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, part := range c {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := m["text"].(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	default:
		return fmt.Sprint(c)
	}
}

// StripThinking removes the first <thinking>...</thinking> span. An opening
// marker without a closing one leaves the text unchanged.
func StripThinking(s string) string {
	start := strings.Index(s, thinkingOpen)
	if start < 0 {
		return s
	}
	rest := s[start+len(thinkingOpen):]
	end := strings.Index(rest, thinkingClose)
	if end < 0 {
		return s
	}
	return s[:start] + rest[end+len(thinkingClose):]
}

// CleanReply strips the reasoning span and surrounding whitespace.
func CleanReply(s string) string {
	return strings.TrimSpace(StripThinking(s))
}
