package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/client"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/resilience"
)

func newTestClient(url string, retries int) *client.LLMClient {
	return client.NewLLMClient(
		&http.Client{Timeout: 2 * time.Second},
		client.LLMOptions{BaseURL: url + "/", APIKey: "sk-test", Model: "gpt-test"},
		resilience.NewCircuitBreaker("llm-test", nil),
		resilience.Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxConcurrency: 4},
	)
}

func TestComplete_ToolCall(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "CreditCheck", "arguments": "{\"financial_data\":{\"income\":5000}}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 50, "completion_tokens": 10, "total_tokens": 60}
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL, 0)
	got, err := c.Complete(context.Background(), &domain.CompletionRequest{
		SessionID: "s1",
		System:    "be helpful",
		Messages: domain.MessageLog{
			domain.UserMessage{Text: "score me"},
			domain.ToolCall{CallID: "old-1", ToolName: domain.CreditCheckTool, Arguments: map[string]any{}},
			domain.ToolCall{CallID: "old-2", ToolName: domain.CreditCheckTool},
			domain.ToolResult{CallID: "old-1", ToolName: domain.CreditCheckTool, Result: "{}"},
			domain.ToolResult{CallID: "old-2", ToolName: domain.CreditCheckTool, Result: "{}"},
			domain.AssistantMessage{Text: "done"},
		},
		Tools:      []domain.ToolDescriptor{{Name: domain.CreditCheckTool, Description: "score"}},
		ToolChoice: domain.ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	call := got.ToolCalls[0]
	if call.CallID != "call_1" || call.ToolName != domain.CreditCheckTool {
		t.Errorf("unexpected tool call %+v", call)
	}
	if _, ok := call.Arguments["financial_data"]; !ok {
		t.Errorf("arguments not decoded: %v", call.Arguments)
	}
	if got.Usage.TotalTokens != 60 {
		t.Errorf("expected 60 tokens, got %d", got.Usage.TotalTokens)
	}

	msgs := captured["messages"].([]any)
	// system, user, assistant(2 tool calls), tool, tool, assistant
	if len(msgs) != 6 {
		t.Fatalf("expected 6 wire messages, got %d: %v", len(msgs), msgs)
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("expected system message first, got %v", first["role"])
	}
	folded := msgs[2].(map[string]any)
	if calls := folded["tool_calls"].([]any); len(calls) != 2 {
		t.Errorf("expected consecutive tool calls folded, got %v", folded)
	}
	if msgs[3].(map[string]any)["tool_call_id"] != "old-1" {
		t.Errorf("tool result lost its call id: %v", msgs[3])
	}
	if captured["tool_choice"] != "auto" || captured["model"] != "gpt-test" {
		t.Errorf("unexpected request envelope %v", captured)
	}
}

func TestComplete_TextAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Pay down the loan."}}]}`))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL, 0).Complete(context.Background(), &domain.CompletionRequest{
		Messages: domain.MessageLog{domain.UserMessage{Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "Pay down the loan." || len(got.ToolCalls) != 0 {
		t.Errorf("unexpected completion %+v", got)
	}
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL, 3).Complete(context.Background(), &domain.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "ok" {
		t.Errorf("unexpected text %q", got.Text)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Complete(context.Background(), &domain.CompletionRequest{})
	var extErr *domain.ErrExternalService
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if extErr.Service != "llm" {
		t.Errorf("expected llm service, got %s", extErr.Service)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 0).Complete(context.Background(), &domain.CompletionRequest{})
	var extErr *domain.ErrExternalService
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL, 0).Complete(ctx, &domain.CompletionRequest{})
	var timeout *domain.ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected ErrTimeout, got %T: %v", err, err)
	}
}

func TestComplete_CircuitOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 0)
	for i := 0; i < 5; i++ {
		_, _ = c.Complete(context.Background(), &domain.CompletionRequest{})
	}

	_, err := c.Complete(context.Background(), &domain.CompletionRequest{})
	var open *domain.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
