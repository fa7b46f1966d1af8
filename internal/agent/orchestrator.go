package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/lmrelay/internal/domain"
	"github.com/ashureev/lmrelay/internal/gateway"
	"github.com/ashureev/lmrelay/internal/sandbox"
	"github.com/ashureev/lmrelay/internal/store"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/google/uuid"
)

// toolRoundLimitNotice is returned when the model keeps asking for tools after
// the last permitted round and gave no text alongside the request.
const toolRoundLimitNotice = "The model asked for another tool run, but only one round of tool use is allowed per turn."

// Gateway is the model backend as seen by the orchestrator.
type Gateway interface {
	Complete(ctx context.Context, req gateway.Request) gateway.Outcome
}

// OrchestratorOptions wires an Orchestrator.
type OrchestratorOptions struct {
	Transcript    store.Transcript
	Gateway       Gateway
	Tools         *tools.Registry
	Executor      sandbox.Executor
	Session       Session
	Temperature   float64
	MaxToolRounds int
	ConvLog       ConversationLogger
	Logger        *slog.Logger
}

// Orchestrator runs conversation turns against the shared transcript.
type Orchestrator struct {
	// turnMu serializes HandleTurn and ClearTranscript.
	turnMu sync.Mutex

	sessionMu sync.RWMutex
	session   Session

	transcript    store.Transcript
	gateway       Gateway
	tools         *tools.Registry
	executor      sandbox.Executor
	temperature   float64
	maxToolRounds int
	convLog       ConversationLogger
	logger        *slog.Logger
}

// NewOrchestrator validates the wiring and the initial session.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Transcript == nil {
		return nil, errors.New("orchestrator requires a transcript")
	}
	if opts.Gateway == nil {
		return nil, errors.New("orchestrator requires a gateway")
	}
	if opts.Tools == nil {
		return nil, errors.New("orchestrator requires a tool registry")
	}
	if opts.Executor == nil {
		return nil, errors.New("orchestrator requires a sandbox executor")
	}
	if err := opts.Session.validate(); err != nil {
		return nil, err
	}
	if opts.MaxToolRounds < 0 {
		opts.MaxToolRounds = 0
	}
	if opts.ConvLog == nil {
		opts.ConvLog = noopConversationLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		session:       opts.Session,
		transcript:    opts.Transcript,
		gateway:       opts.Gateway,
		tools:         opts.Tools,
		executor:      opts.Executor,
		temperature:   opts.Temperature,
		maxToolRounds: opts.MaxToolRounds,
		convLog:       opts.ConvLog,
		logger:        opts.Logger,
	}, nil
}

// HandleTurn runs one user turn to completion and returns the reply text.
// Backend and tool failures come back as text; only transcript store errors
// are returned as errors.
//
// The turn ignores cancellation of ctx so a departing client cannot leave an
// assistant tool-call message without its tool results. Every blocking call
// inside the turn carries its own timeout.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (string, error) {
	if req.MaxTokens < 0 {
		return "", ErrInvalidMaxTokens
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	turnID := uuid.NewString()
	sess := o.resolve(req)
	logger := o.logger.With("turn_id", turnID, "channel", req.Channel)

	start := time.Now()
	logger.Info("Chat turn started",
		"model", sess.ModelID,
		"max_tokens", sess.MaxTokens,
		"enable_tools", req.EnableTools,
		"message_length", len(req.Message),
	)

	if strings.TrimSpace(req.Message) != "" {
		if err := o.transcript.Append(ctx, domain.UserMessage(req.Message)); err != nil {
			return "", fmt.Errorf("append user message: %w", err)
		}
		o.record(turnID, req.Channel, "outbound", "chat_user_message", req.Message, nil)
	}

	for round := 0; round <= o.maxToolRounds; round++ {
		history, err := o.transcript.List(ctx)
		if err != nil {
			return "", fmt.Errorf("load transcript: %w", err)
		}

		toolsEnabled := req.EnableTools && round < o.maxToolRounds
		out := o.gateway.Complete(ctx, gateway.Request{
			Model:        sess.ModelID,
			MaxTokens:    sess.MaxTokens,
			Temperature:  o.temperature,
			SystemPrompt: sess.SystemPrompt,
			Messages:     history,
			ToolsEnabled: toolsEnabled,
			Tools:        o.tools.Definitions(),
			Input:        req.Message,
		})

		switch out.Kind {
		case gateway.Unavailable, gateway.BackendError:
			logger.Warn("Model backend fallback", "kind", out.Kind.String(), "status", out.StatusCode, "error", out.Err)
			o.record(turnID, req.Channel, "inbound", "relay_notice", out.Text, map[string]any{
				"kind":   out.Kind.String(),
				"status": out.StatusCode,
			})
			return out.Text, nil

		case gateway.ToolCall:
			if !toolsEnabled {
				return o.finishUnhonoredToolCall(ctx, logger, turnID, req.Channel, out)
			}
			if err := o.runToolCalls(ctx, logger, turnID, req.Channel, out.Message); err != nil {
				return "", err
			}
			continue

		default:
			if err := o.transcript.Append(ctx, domain.AssistantMessage(out.Text)); err != nil {
				return "", fmt.Errorf("append assistant message: %w", err)
			}
			o.record(turnID, req.Channel, "inbound", "chat_assistant_message", out.Text, map[string]any{
				"rounds": round + 1,
			})
			logger.Info("Chat turn completed", "rounds", round+1, "duration", time.Since(start))
			return out.Text, nil
		}
	}

	// Unreachable: the last round always runs with tools disabled.
	return toolRoundLimitNotice, nil
}

// finishUnhonoredToolCall treats a tool request in a tools-disabled round as a
// final reply.
func (o *Orchestrator) finishUnhonoredToolCall(ctx context.Context, logger *slog.Logger, turnID, channel string, out gateway.Outcome) (string, error) {
	text := gateway.CleanReply(out.Text)
	logger.Info("Ignoring tool request after last tool round", "tool_calls", len(out.ToolCalls))
	if text == "" {
		o.record(turnID, channel, "inbound", "relay_notice", toolRoundLimitNotice, nil)
		return toolRoundLimitNotice, nil
	}
	if err := o.transcript.Append(ctx, domain.AssistantMessage(text)); err != nil {
		return "", fmt.Errorf("append assistant message: %w", err)
	}
	o.record(turnID, channel, "inbound", "chat_assistant_message", text, nil)
	return text, nil
}

// runToolCalls appends the assistant request and one tool message per call,
// in the order the model emitted them.
func (o *Orchestrator) runToolCalls(ctx context.Context, logger *slog.Logger, turnID, channel string, msg domain.Message) error {
	if err := o.transcript.Append(ctx, msg); err != nil {
		return fmt.Errorf("append tool call message: %w", err)
	}

	for _, call := range msg.ToolCalls {
		o.record(turnID, channel, "inbound", "tool_call", call.RawArguments, map[string]any{
			"tool":         call.Name,
			"tool_call_id": call.ID,
		})

		start := time.Now()
		result := o.runTool(ctx, call)
		logger.Info("Tool call finished", "tool", call.Name, "tool_call_id", call.ID, "duration", time.Since(start))

		if err := o.transcript.Append(ctx, domain.ToolResultMessage(call, result)); err != nil {
			return fmt.Errorf("append tool result: %w", err)
		}
		o.record(turnID, channel, "outbound", "tool_result", result, map[string]any{
			"tool":         call.Name,
			"tool_call_id": call.ID,
		})
	}
	return nil
}

// runTool resolves, validates and executes one call. It always returns text.
func (o *Orchestrator) runTool(ctx context.Context, call domain.ToolCall) string {
	tool, ok := o.tools.Lookup(call.Name)
	if !ok {
		o.logger.Warn("Model requested unknown tool", "tool", call.Name)
		return tools.UnknownToolResult(call.Name)
	}

	if call.Arguments == nil && call.RawArguments != "" {
		return tools.InvalidArgumentsResult(call.Name, "arguments are not a JSON object")
	}
	if err := o.tools.ValidateArguments(call.Name, call.Arguments); err != nil {
		reason := err.Error()
		if inner := errors.Unwrap(err); inner != nil {
			reason = inner.Error()
		}
		return tools.InvalidArgumentsResult(call.Name, reason)
	}

	code, _ := call.Arguments[tools.CodeParam].(string)
	return o.executor.Execute(ctx, tool.Language, code).Text()
}

func (o *Orchestrator) record(turnID, channel, direction, eventType, content string, meta map[string]any) {
	o.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		TurnID:     turnID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// resolve applies per-request overrides to the session defaults.
func (o *Orchestrator) resolve(req TurnRequest) Session {
	sess := o.Session()
	if req.ModelID != "" {
		sess.ModelID = req.ModelID
	}
	if req.MaxTokens > 0 {
		sess.MaxTokens = req.MaxTokens
	}
	if req.SystemPrompt != nil {
		sess.SystemPrompt = *req.SystemPrompt
	}
	return sess
}

// Transcript returns a copy of the conversation so far.
func (o *Orchestrator) Transcript(ctx context.Context) ([]domain.Message, error) {
	msgs, err := o.transcript.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	return msgs, nil
}

// ClearTranscript empties the conversation. It waits for a running turn.
func (o *Orchestrator) ClearTranscript(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if err := o.transcript.Clear(ctx); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	o.logger.Info("Transcript cleared")
	return nil
}

// Session returns the current session defaults.
func (o *Orchestrator) Session() Session {
	o.sessionMu.RLock()
	defer o.sessionMu.RUnlock()
	return o.session
}

// UpdateSession applies the non-nil fields of u and returns the result.
func (o *Orchestrator) UpdateSession(u SessionUpdate) (Session, error) {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	next := o.session
	if u.ModelID != nil {
		next.ModelID = strings.TrimSpace(*u.ModelID)
	}
	if u.MaxTokens != nil {
		next.MaxTokens = *u.MaxTokens
	}
	if u.SystemPrompt != nil {
		next.SystemPrompt = *u.SystemPrompt
	}
	if err := next.validate(); err != nil {
		return o.session, err
	}

	o.session = next
	o.logger.Info("Session configuration updated", "model", next.ModelID, "max_tokens", next.MaxTokens)
	return next, nil
}
