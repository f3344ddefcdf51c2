package domain

import "time"

// ============================================================
// Language model: request/response at the adapter boundary
// ============================================================

// CreditCheckTool is the only tool the orchestrator dispatches.
const CreditCheckTool = "CreditCheck"

// ToolDescriptor advertises a tool to the language model.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoice tells the model whether it may call tools on this request.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// CompletionRequest is one call to the language model.
type CompletionRequest struct {
	SessionID  string
	System     string
	Messages   MessageLog
	Tools      []ToolDescriptor
	ToolChoice ToolChoice
}

// Completion is the model's reply: free text, tool-call intents, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// TokenUsage tracks LLM token consumption for cost monitoring.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// ============================================================
// Turn: one pass of the workflow state machine
// ============================================================

// TurnRequest is a validated inbound turn. Financial is nil when the caller
// sent no financial_data.
type TurnRequest struct {
	SessionID string
	Financial *FinancialUpdate
	Personal  PersonalData
	Message   string
}

// TurnResult is what a completed turn hands back to the adapter.
type TurnResult struct {
	Session        *Session
	Created        bool
	States         []string
	ToolDispatches int
	Changes        []string
	Feedback       string
	Usage          TokenUsage
	ProcessedAt    time.Time
}

// UpdatedState is the projection returned to the caller after a turn.
type UpdatedState struct {
	FinancialData       FinancialData `json:"financial_data"`
	PersonalData        PersonalData  `json:"personal_data"`
	CreditScoreEstimate *ScoreReport  `json:"credit_score_estimate"`
	Messages            []string      `json:"messages"`
	Changes             []string      `json:"changes,omitempty"`
	Feedback            string        `json:"feedback,omitempty"`
}

// ScenarioResponse is the body of POST /v1/scenarios.
type ScenarioResponse struct {
	SessionID    string       `json:"session_id"`
	UpdatedState UpdatedState `json:"updated_state"`
}

// NewScenarioResponse projects a turn result for the caller.
func NewScenarioResponse(r *TurnResult) *ScenarioResponse {
	s := r.Session
	return &ScenarioResponse{
		SessionID: s.ID,
		UpdatedState: UpdatedState{
			FinancialData:       s.FinancialData,
			PersonalData:        s.PersonalData,
			CreditScoreEstimate: s.CreditScoreEstimate,
			Messages:            s.Messages.Texts(),
			Changes:             r.Changes,
			Feedback:            r.Feedback,
		},
	}
}

// SessionView is the body of GET /v1/sessions/{sessionId}.
type SessionView struct {
	SessionID           string             `json:"session_id"`
	Version             int64              `json:"version"`
	Turns               int                `json:"turns"`
	FinancialData       FinancialData      `json:"financial_data"`
	PersonalData        PersonalData       `json:"personal_data"`
	PastScenarios       []ScenarioSnapshot `json:"past_scenarios"`
	Messages            []string           `json:"messages"`
	CreditScoreEstimate *ScoreReport       `json:"credit_score_estimate"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// NewSessionView projects a stored session.
func NewSessionView(s *Session) *SessionView {
	return &SessionView{
		SessionID:           s.ID,
		Version:             s.Version,
		Turns:               s.Turns,
		FinancialData:       s.FinancialData,
		PersonalData:        s.PersonalData,
		PastScenarios:       s.ScenarioHistory,
		Messages:            s.Messages.Texts(),
		CreditScoreEstimate: s.CreditScoreEstimate,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// WorkflowMetrics is the JSON snapshot served at GET /v1/metrics/workflow.
type WorkflowMetrics struct {
	TurnsTotal        int64   `json:"turns_total"`
	TurnsFailed       int64   `json:"turns_failed"`
	ErrorRate         float64 `json:"error_rate"`
	ToolDispatches    int64   `json:"tool_dispatches"`
	IgnoredToolCalls  int64   `json:"ignored_tool_calls"`
	AvgTokensPerTurn  float64 `json:"avg_tokens_per_turn"`
	EstimatedCostUsd  float64 `json:"estimated_cost_usd"`
	ScoreCacheHitRate float64 `json:"score_cache_hit_rate"`
	AvgCreditScore    float64 `json:"avg_credit_score"`
	Period            string  `json:"period"`
}
