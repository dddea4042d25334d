// Package llm wraps the chat-completions API used by the task and skill
// agents. Calls are single-shot (no streaming); an agent iteration needs the
// complete tool-call list before it can act.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// string produced by the model, validated by the tool handler.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a single turn in a completion request.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool is a function definition exposed to the model. Parameters must be a
// flattened JSON schema (no $ref indirection).
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a chat completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Response is the model's reply. Raw carries the provider's full payload for
// logging and debugging; callers should not depend on its shape.
type Response struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Raw       json.RawMessage `json:"raw_response,omitempty"`
}

// Client is the completion interface. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIClient creates a client. An empty API key is allowed; Complete
// returns an error until one is configured.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	c := &OpenAIClient{
		defaultModel: cfg.Model,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	if cfg.APIKey != "" {
		conf := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			conf.BaseURL = cfg.BaseURL
		}
		c.client = openai.NewClientWithConfig(conf)
	}
	return c
}

// Complete sends the request and returns the full response, retrying
// transient failures with linear backoff.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if c.client == nil {
		return nil, errors.New("llm api key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: c.convertMessages(req),
	}
	if chatReq.Model == "" {
		chatReq.Model = c.defaultModel
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsTransient(lastErr) {
			return nil, fmt.Errorf("completion failed: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("completion retries exhausted: %w", lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}
	choice := resp.Choices[0].Message

	raw, err := json.Marshal(resp)
	if err != nil {
		raw = nil
	}
	out := &Response{Role: choice.Role, Content: choice.Content, Raw: raw}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (c *OpenAIClient) convertMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		result = append(result, m)
	}
	return result
}

func convertTools(tools []Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Parameters, &params); err != nil {
			// One malformed schema must not break the whole palette.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// IsTransient reports whether an error from the completions API is worth
// retrying: rate limits, server-side errors, and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
