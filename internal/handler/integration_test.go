package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/handler"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/cache"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/client"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/lock"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/observability"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/resilience"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/store/sqlite"
	"github.com/boddenberg/credit-scenarios-go/internal/service"

	"go.uber.org/zap"
)

type wireMessage struct {
	Role      string  `json:"role"`
	Content   *string `json:"content"`
	ToolCalls []any   `json:"tool_calls"`
}

type wireRequest struct {
	Messages   []wireMessage `json:"messages"`
	ToolChoice string        `json:"tool_choice"`
}

// fakeChatServer behaves like a chat-completions API that always checks the
// credit score before answering.
func fakeChatServer(t *testing.T, failing bool) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("fake llm: decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		last := req.Messages[len(req.Messages)-1]
		w.Header().Set("Content-Type", "application/json")

		if last.Role == "user" && req.ToolChoice == "auto" {
			fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
				{"id":"call_%d","type":"function","function":{"name":"CreditCheck","arguments":"{}"}}]}}],
				"usage":{"prompt_tokens":100,"completion_tokens":10,"total_tokens":110}}`, n)
			return
		}

		var report domain.ScoreReport
		if last.Role == "tool" && last.Content != nil {
			_ = json.Unmarshal([]byte(*last.Content), &report)
		}
		answer := fmt.Sprintf("Your credit score is %d.", report.CreditScore)
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": answer}}},
			"usage":   map[string]int{"prompt_tokens": 200, "completion_tokens": 20, "total_tokens": 220},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newIntegrationRouter(t *testing.T, llmURL, dbPath string) (http.Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	llm := client.NewLLMClient(
		&http.Client{Timeout: 5 * time.Second},
		client.LLMOptions{BaseURL: llmURL, APIKey: "sk-test", Model: "gpt-test"},
		resilience.NewCircuitBreaker("llm-integration", nil),
		resilience.Config{MaxRetries: 1, InitialBackoff: 5 * time.Millisecond, MaxConcurrency: 4},
	)
	scoreCache := cache.New[domain.ScoreReport](time.Minute)
	t.Cleanup(scoreCache.Close)

	wf := service.NewWorkflow(store, llm, lock.NewManager(), metrics, logger,
		service.WithTurnTimeout(5*time.Second),
	)
	scores := service.NewScoreService(scoreCache, metrics)
	return handler.NewRouter(wf, scores, metrics, logger, nil), store
}

func post(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestIntegration_FullFlow drives two turns through the real LLM client and
// the SQLite store, then reopens the database to check what was persisted.
func TestIntegration_FullFlow(t *testing.T) {
	llmServer, calls := fakeChatServer(t, false)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	router, store := newIntegrationRouter(t, llmServer.URL, dbPath)

	// --- Turn 1: new session ---
	rec := post(t, router, "/v1/scenarios",
		`{"session_id":"flow-1","financial_data":`+fullFinancial+`,"personal_data":{"name":"Ada"},"message":"How am I doing?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn 1: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[scenarioBody](t, rec).UpdatedState
	if first.CreditScoreEstimate == nil || first.CreditScoreEstimate.CreditScore != 633 {
		t.Fatalf("turn 1: expected 633, got %+v", first.CreditScoreEstimate)
	}
	if got := first.Messages[len(first.Messages)-1]; got != "Your credit score is 633." {
		t.Errorf("turn 1: unexpected answer %q", got)
	}

	// --- Turn 2: what if expenses drop? ---
	rec = post(t, router, "/v1/scenarios", `{"session_id":"flow-1","financial_data":{"expenses":1000}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn 2: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	second := decode[scenarioBody](t, rec).UpdatedState
	if second.CreditScoreEstimate.CreditScore <= 633 {
		t.Errorf("turn 2: lower expenses should raise the score, got %d", second.CreditScoreEstimate.CreditScore)
	}
	if len(second.Changes) != 1 || second.Changes[0] != domain.KeyExpenses {
		t.Errorf("turn 2: unexpected changes %v", second.Changes)
	}

	if got := atomic.LoadInt32(calls); got != 4 {
		t.Errorf("expected 4 model calls, got %d", got)
	}

	// --- Metrics ---
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/workflow", nil)
	metricsRec := httptest.NewRecorder()
	router.ServeHTTP(metricsRec, req)
	snap := decode[domain.WorkflowMetrics](t, metricsRec)
	if snap.TurnsTotal != 2 || snap.ToolDispatches != 2 || snap.AvgTokensPerTurn != 330 {
		t.Errorf("unexpected workflow metrics %+v", snap)
	}

	// --- Persistence ---
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	reopened, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	s, err := reopened.Get(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if s.Turns != 2 || s.Version != 2 {
		t.Errorf("unexpected turns/version %d/%d", s.Turns, s.Version)
	}
	if len(s.ScenarioHistory) != 1 || s.ScenarioHistory[0].FinancialData.Expenses != 2000 {
		t.Errorf("unexpected history %+v", s.ScenarioHistory)
	}
	// user, call, result, answer per turn
	if len(s.Messages) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(s.Messages))
	}
	call, ok := s.Messages[5].(domain.ToolCall)
	if !ok || call.CallID != "call_3" {
		t.Errorf("expected persisted tool call call_3, got %#v", s.Messages[5])
	}
	if s.PersonalData["name"] != "Ada" {
		t.Errorf("personal data not persisted: %v", s.PersonalData)
	}
}

func TestIntegration_ModelDown(t *testing.T) {
	llmServer, calls := fakeChatServer(t, true)
	router, store := newIntegrationRouter(t, llmServer.URL, filepath.Join(t.TempDir(), "sessions.db"))
	defer store.Close()

	rec := post(t, router, "/v1/scenarios", `{"session_id":"down-1","financial_data":`+fullFinancial+`}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("expected one retry (2 calls), got %d", got)
	}

	ids, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("failed turn must not persist a session, got %v", ids)
	}
}
