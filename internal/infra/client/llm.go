package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("client")

const serviceName = "llm"

// LLMOptions selects the model endpoint and sampling.
type LLMOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

// LLMClient calls an OpenAI-compatible chat completions API with tool calling.
type LLMClient struct {
	httpClient *http.Client
	opts       LLMOptions
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
}

// NewLLMClient creates a new LLMClient.
func NewLLMClient(httpClient *http.Client, opts LLMOptions, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *LLMClient {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &LLMClient{
		httpClient: httpClient,
		opts:       opts,
		cb:         cb,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:        cfg,
	}
}

// ============================================================
// Wire types
// ============================================================

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.TokenUsage `json:"usage"`
}

// ============================================================
// Complete
// ============================================================

// Complete sends the conversation and returns the model's text and tool calls.
func (c *LLMClient) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.Completion, error) {
	ctx, span := tracer.Start(ctx, "LLMClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("llm.model", c.opts.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, c.classify(span, err)
	}
	defer c.bulkhead.Release()

	var chatResp chatResponse

	_, err = c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			chatResp = chatResponse{}
			return c.post(ctx, body, &chatResp)
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return &chatResp, nil
	})
	if err != nil {
		return nil, c.classify(span, err)
	}

	if len(chatResp.Choices) == 0 {
		err := &domain.ErrExternalService{Service: serviceName, Err: errors.New("completion returned no choices")}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	completion := toCompletion(chatResp.Choices[0].Message, chatResp.Usage)
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(completion.ToolCalls)),
		attribute.Int("llm.total_tokens", completion.Usage.TotalTokens),
	)
	return completion, nil
}

func (c *LLMClient) post(ctx context.Context, body []byte, out *chatResponse) error {
	url := fmt.Sprintf("%s/v1/chat/completions", c.opts.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("llm API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusErr
		}
		return resilience.Permanent(statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode completion: %w", err))
	}
	return nil
}

func (c *LLMClient) classify(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.ErrCircuitOpen{Service: serviceName}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.ErrTimeout{Operation: "llm completion"}
	}
	return &domain.ErrExternalService{Service: serviceName, Err: err}
}

func (c *LLMClient) buildRequest(req *domain.CompletionRequest) *chatRequest {
	out := &chatRequest{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		User:        req.SessionID,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: strPtr(req.System)})
	}
	out.Messages = append(out.Messages, toChatMessages(req.Messages)...)

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 && req.ToolChoice != "" {
		out.ToolChoice = string(req.ToolChoice)
	}
	return out
}

// toChatMessages maps the log onto chat roles. Consecutive tool calls are
// folded into one assistant message, as the API expects.
func toChatMessages(log domain.MessageLog) []chatMessage {
	out := make([]chatMessage, 0, len(log))
	for _, m := range log {
		switch v := m.(type) {
		case domain.UserMessage:
			out = append(out, chatMessage{Role: "user", Content: strPtr(v.Text)})
		case domain.AssistantMessage:
			out = append(out, chatMessage{Role: "assistant", Content: strPtr(v.Text)})
		case domain.ToolCall:
			args, err := json.Marshal(v.Arguments)
			if err != nil || v.Arguments == nil {
				args = []byte("{}")
			}
			call := chatToolCall{
				ID:       v.CallID,
				Type:     "function",
				Function: chatFunction{Name: v.ToolName, Arguments: string(args)},
			}
			if n := len(out); n > 0 && out[n-1].Role == "assistant" && out[n-1].Content == nil {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, chatMessage{Role: "assistant", ToolCalls: []chatToolCall{call}})
		case domain.ToolResult:
			out = append(out, chatMessage{Role: "tool", Content: strPtr(v.Result), ToolCallID: v.CallID})
		}
	}
	return out
}

func toCompletion(msg chatMessage, usage domain.TokenUsage) *domain.Completion {
	completion := &domain.Completion{Usage: usage}
	if msg.Content != nil {
		completion.Text = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"raw": tc.Function.Arguments}
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, domain.ToolCall{
			CallID:    tc.ID,
			ToolName:  tc.Function.Name,
			Arguments: args,
		})
	}
	return completion
}

func strPtr(s string) *string {
	return &s
}
