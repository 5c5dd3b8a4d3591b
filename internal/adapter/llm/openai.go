// Package llm talks to OpenAI-compatible chat-completions endpoints.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/retry"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Proxy is used for model calls only; tool backends never see it.
	Proxy string
}

// OpenAIClient implements domain.ModelClient for OpenAI-compatible APIs.
// Every request goes through the shared retry client.
type OpenAIClient struct {
	cfg    OpenAIConfig
	http   *retry.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a model client.
func NewOpenAIClient(cfg OpenAIConfig, client *retry.Client, logger *slog.Logger) *OpenAIClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIClient{cfg: cfg, http: client, logger: logger}
}

// Name implements domain.ModelClient.
func (c *OpenAIClient) Name() string { return "openai" }

// Chat implements domain.ModelClient. A 2xx body carrying an error object
// comes back as a response with Error set.
func (c *OpenAIClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat")
	defer span.End()

	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	span.SetAttributes(
		tracer.StringAttr("llm.model", req.Model),
		tracer.IntAttr("llm.messages", len(req.Messages)),
		tracer.IntAttr("llm.tools", len(req.Tools)),
	)

	header := make(http.Header)
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	var wire openaiResponse
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/chat/completions", header, toOpenAIRequest(req), c.cfg.Proxy, &wire); err != nil {
		if errors.Is(err, retry.ErrDecode) {
			err = &domain.MalformedResponseError{Detail: err.Error()}
		}
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("openai.chat", err)
	}

	resp, err := fromOpenAIResponse(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
		tracer.StringAttr("llm.finish_reason", resp.FinishReason),
	)
	c.logger.Debug("llm chat completed",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"tokens", resp.Usage.TotalTokens,
	)
	return resp, nil
}

// --- OpenAI wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

// openaiMessage always carries content; some endpoints reject an assistant
// tool-call echo without it.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []openaiChoice  `json:"choices"`
	Usage   openaiUsage     `json:"usage"`
	Created int64           `json:"created"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int                   `json:"index"`
	Message      openaiResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// openaiResponseMessage differs from openaiMessage in that content may be null.
type openaiResponseMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		msgs = append(msgs, msg)
	}

	out := openaiRequest{Model: req.Model, Messages: msgs}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}
	return out
}

func fromOpenAIResponse(wire openaiResponse) (*domain.ChatResponse, error) {
	resp := &domain.ChatResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Usage: domain.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	if wire.Created > 0 {
		resp.CreatedAt = time.Unix(wire.Created, 0)
	}

	if apiErr := parseAPIError(wire.Error); apiErr != nil {
		resp.Error = apiErr
		return resp, nil
	}
	if len(wire.Choices) == 0 {
		return nil, &domain.MalformedResponseError{Detail: "response has no choices"}
	}

	choice := wire.Choices[0]
	resp.FinishReason = choice.FinishReason
	resp.Message = domain.Message{Role: choice.Message.Role}
	if resp.Message.Role == "" {
		resp.Message.Role = domain.RoleAssistant
	}
	if choice.Message.Content != nil {
		resp.Message.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// parseAPIError accepts both {"error": {...}} and {"error": "text"}.
func parseAPIError(raw json.RawMessage) *domain.APIError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var obj domain.APIError
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message == "" {
			obj.Message = string(raw)
		}
		return &obj
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return &domain.APIError{Message: text}
	}
	return &domain.APIError{Message: string(raw)}
}
