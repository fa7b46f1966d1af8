// Package gateway wraps the model backend's chat-completions API. It builds
// request payloads, performs the calls and classifies each result into one of
// four outcomes. It never mutates the transcript.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/lmrelay/internal/domain"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

const (
	modelsPath          = "/v1/models"
	chatCompletionsPath = "/v1/chat/completions"
	maxResponseBytes    = 4 << 20
)

// Fallback notices. Each echoes the user's input so the caller always has
// something to show.
const (
	probeFailedFormat   = "The model server is not reachable. Your message \"%s\" was received."
	requestFailedFormat = "The model server could not be reached while answering. Your message \"%s\" was received."
	backendErrorFormat  = "The model server returned an error (status %d). Your message \"%s\" was received."
	malformedFormat     = "The model server returned an unreadable reply. Your message \"%s\" was received."
)

var (
	// ErrBackendStatus wraps non-200 answers from the backend.
	ErrBackendStatus = errors.New("model backend returned non-200 status")
	// ErrMalformedReply wraps replies that do not match the expected shape.
	ErrMalformedReply = errors.New("malformed model reply")
)

// Kind classifies one gateway call.
type Kind int

const (
	Final Kind = iota
	ToolCall
	Unavailable
	BackendError
)

func (k Kind) String() string {
	switch k {
	case Final:
		return "final"
	case ToolCall:
		return "tool_call"
	case Unavailable:
		return "unavailable"
	case BackendError:
		return "backend_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is one chat-completion call.
type Request struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	// Messages is a read-only view of the transcript; the system prompt is
	// prepended on the wire and never stored.
	Messages     []domain.Message
	ToolsEnabled bool
	Tools        []tools.Definition
	// Input is echoed by fallback notices.
	Input string
}

// Outcome is the classified result of Complete.
type Outcome struct {
	Kind Kind
	// Text is the cleaned reply for Final, the assistant content for
	// ToolCall, or the fallback notice for Unavailable and BackendError.
	Text string
	// Message is the assistant message verbatim for ToolCall outcomes.
	Message    domain.Message
	ToolCalls  []domain.ToolCall
	StatusCode int
	Err        error
}

// Model is one entry of the backend's model listing.
type Model struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	OwnedBy          string `json:"owned_by"`
	MaxContextLength int    `json:"max_context_length"`
	State            string `json:"state"`
	Type             string `json:"type"`
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to an OpenAI-compatible backend such as LM Studio.
type Client struct {
	baseURL        string
	probeTimeout   time.Duration
	requestTimeout time.Duration
	http           *http.Client
	logger         *slog.Logger
	replySchema    *jsonschema.Resolved
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url cannot be empty")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	schema, err := replySchema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve reply schema: %w", err)
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		probeTimeout:   opts.ProbeTimeout,
		requestTimeout: opts.RequestTimeout,
		http:           opts.HTTPClient,
		logger:         opts.Logger,
		replySchema:    schema,
	}, nil
}

// replySchema requires choices[0].message to be an object.
func replySchema() *jsonschema.Schema {
	minOne := 1
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"choices"},
		Properties: map[string]*jsonschema.Schema{
			"choices": {
				Type:     "array",
				MinItems: &minOne,
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"message"},
					Properties: map[string]*jsonschema.Schema{
						"message": {Type: "object"},
					},
				},
			},
		},
	}
}

// Probe checks that the backend's model listing answers with 200.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.get(ctx, modelsPath)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	c.logger.Debug("Models API response", "status", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}
	return nil
}

// ListModels returns the backend's models reshaped for the API.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.get(ctx, modelsPath)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}

	var listing struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&listing); err != nil {
		return nil, fmt.Errorf("%w: decode model listing: %v", ErrMalformedReply, err)
	}
	models := make([]Model, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID == "" {
			continue
		}
		if m.Object == "" {
			m.Object = "model"
		}
		models = append(models, m)
	}
	return models, nil
}

// Complete probes the backend, performs one chat completion and classifies
// the result. It never returns an error; failures become fallback outcomes.
func (c *Client) Complete(ctx context.Context, req Request) Outcome {
	if err := c.Probe(ctx); err != nil {
		c.logger.Warn("Model backend not available, using fallback", "error", err)
		return Outcome{
			Kind: Unavailable,
			Text: fmt.Sprintf(probeFailedFormat, req.Input),
			Err:  err,
		}
	}

	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		// Only reachable with unencodable tool arguments.
		return Outcome{
			Kind: BackendError,
			Text: fmt.Sprintf(malformedFormat, req.Input),
			Err:  fmt.Errorf("marshal chat payload: %w", err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Kind: Unavailable,
			Text: fmt.Sprintf(requestFailedFormat, req.Input),
			Err:  fmt.Errorf("create chat request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Info("Calling chat API",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools_enabled", req.ToolsEnabled,
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("Chat API connection failed", "error", err)
		return Outcome{
			Kind: Unavailable,
			Text: fmt.Sprintf(requestFailedFormat, req.Input),
			Err:  fmt.Errorf("chat http call: %w", err),
		}
	}
	defer drain(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warn("Chat API response read failed", "error", err)
		return Outcome{
			Kind: Unavailable,
			Text: fmt.Sprintf(requestFailedFormat, req.Input),
			Err:  fmt.Errorf("read chat response: %w", err),
		}
	}

	c.logger.Info("Chat API response", "status", resp.StatusCode, "bytes", len(raw))
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Chat API error", "status", resp.StatusCode, "body", truncate(string(raw), 300))
		return Outcome{
			Kind:       BackendError,
			Text:       fmt.Sprintf(backendErrorFormat, resp.StatusCode, req.Input),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode),
		}
	}

	msg, err := c.parseReply(raw)
	if err != nil {
		c.logger.Warn("Chat API reply rejected", "error", err)
		return Outcome{
			Kind:       BackendError,
			Text:       fmt.Sprintf(malformedFormat, req.Input),
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	if msg.HasToolCalls() {
		return Outcome{
			Kind:       ToolCall,
			Text:       msg.Content,
			Message:    msg,
			ToolCalls:  msg.ToolCalls,
			StatusCode: resp.StatusCode,
		}
	}

	text := CleanReply(msg.Content)
	c.logger.Debug("AI response", "preview", truncate(text, 100))
	return Outcome{
		Kind:       Final,
		Text:       text,
		StatusCode: resp.StatusCode,
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBytes))
	_ = body.Close()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// newToolCallID is used when the backend omits an id.
func newToolCallID() string {
	return "call_" + uuid.NewString()
}
