package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/observability"
	"github.com/boddenberg/credit-scenarios-go/internal/port"
	"github.com/boddenberg/credit-scenarios-go/internal/scoring"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/workflow")

// State is a step of the per-turn state machine.
type State string

const (
	StateInit         State = "init"
	StatePlanning     State = "planning"
	StateToolDispatch State = "tool_dispatch"
	StateResponding   State = "responding"
	StateDone         State = "done"
)

// Workflow runs one turn of a scenario conversation:
// Init → Planning → (ToolDispatch) → Responding → Done.
//
// Turns on the same session are serialized through the locker, and the
// session is only persisted once Done is reached. A failed model call aborts
// the turn and leaves the stored session untouched.
type Workflow struct {
	repo    port.SessionRepository
	llm     port.LanguageModel
	locker  port.SessionLocker
	metrics *observability.Metrics
	logger  *zap.Logger

	turnTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithTurnTimeout bounds a whole turn, lock wait included.
func WithTurnTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.turnTimeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		w.now = now
	}
}

// WithIDGenerator overrides how new session and tool call ids are minted.
func WithIDGenerator(newID func() string) WorkflowOption {
	return func(w *Workflow) {
		w.newID = newID
	}
}

// NewWorkflow creates the orchestrator with all dependencies injected.
func NewWorkflow(
	repo port.SessionRepository,
	llm port.LanguageModel,
	locker port.SessionLocker,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts ...WorkflowOption,
) *Workflow {
	w := &Workflow{
		repo:    repo,
		llm:     llm,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// turn is the mutable state of one state-machine run.
type turn struct {
	req        *domain.TurnRequest
	session    *domain.Session
	continuing bool
	calls      []domain.ToolCall
	answer     string
	result     *domain.TurnResult
}

// RunTurn executes one turn and returns the persisted session.
func (w *Workflow) RunTurn(ctx context.Context, req *domain.TurnRequest) (*domain.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "Workflow.RunTurn")
	defer span.End()

	start := time.Now()
	if w.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.turnTimeout)
		defer cancel()
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = w.newID()
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	var result *domain.TurnResult
	err := w.locker.WithLock(ctx, sessionID, func(ctx context.Context) error {
		var runErr error
		result, runErr = w.run(ctx, sessionID, req)
		return runErr
	})

	w.metrics.RecordRequestDuration("turn", time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &domain.ErrTimeout{Operation: "turn"}
		}
		w.metrics.IncrTurn(observability.OutcomeError)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("turn aborted",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, err
	}

	w.metrics.IncrTurn(observability.OutcomeSuccess)
	w.metrics.RecordTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	w.logger.Info("turn completed",
		zap.String("session_id", sessionID),
		zap.Int("turn", result.Session.Turns),
		zap.Strings("states", result.States),
		zap.Int("tool_dispatches", result.ToolDispatches),
		zap.Duration("latency", time.Since(start)),
	)
	return result, nil
}

func (w *Workflow) run(ctx context.Context, sessionID string, req *domain.TurnRequest) (*domain.TurnResult, error) {
	t := &turn{
		req:    req,
		result: &domain.TurnResult{},
	}

	state := StateInit
	for state != StateDone {
		t.result.States = append(t.result.States, string(state))
		w.logger.Debug("workflow state",
			zap.String("session_id", sessionID),
			zap.String("state", string(state)),
		)

		var (
			next State
			err  error
		)
		switch state {
		case StateInit:
			next, err = w.initialize(ctx, sessionID, t)
		case StatePlanning:
			next, err = w.plan(ctx, t)
		case StateToolDispatch:
			next, err = w.dispatch(ctx, t)
		case StateResponding:
			next, err = w.respond(t)
		default:
			err = fmt.Errorf("unknown workflow state %q", state)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", state, err)
		}
		state = next
	}

	t.result.States = append(t.result.States, string(StateDone))
	if err := w.finish(ctx, t); err != nil {
		return nil, fmt.Errorf("%s: %w", StateDone, err)
	}
	return t.result, nil
}

// ============================================================
// States
// ============================================================

func (w *Workflow) initialize(ctx context.Context, sessionID string, t *turn) (State, error) {
	ctx, span := tracer.Start(ctx, "Workflow.Init")
	defer span.End()

	now := w.now()
	session, err := w.repo.Get(ctx, sessionID)
	switch {
	case err == nil:
		t.continuing = true
	case errors.Is(err, domain.ErrSessionNotFound):
		if !t.req.Financial.Complete() {
			return "", &domain.ErrValidation{
				Field:   "financial_data",
				Message: "a new session requires complete financial data",
			}
		}
		session = domain.NewSession(sessionID, now)
		t.result.Created = true
	default:
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}

	session.ApplyUpdate(t.continuing, t.req.Financial, t.req.Personal, now)
	t.session = session

	if t.continuing {
		t.result.Changes = session.Changes()
		t.result.Feedback = domain.Feedback(t.result.Changes)
	}
	span.SetAttributes(
		attribute.Bool("session.continuing", t.continuing),
		attribute.Int("session.history", len(session.ScenarioHistory)),
	)
	return StatePlanning, nil
}

func (w *Workflow) plan(ctx context.Context, t *turn) (State, error) {
	ctx, span := tracer.Start(ctx, "Workflow.Planning")
	defer span.End()

	prompt := t.req.Message
	if prompt == "" {
		prompt = recommendationPrompt(t.session)
	}
	t.session.Append(domain.UserMessage{Text: prompt})

	completion, err := w.complete(ctx, t, domain.ToolChoiceAuto)
	if err != nil {
		return "", err
	}

	t.calls = w.acceptedCalls(t.session.ID, completion.ToolCalls)
	if len(t.calls) > 0 {
		return StateToolDispatch, nil
	}
	t.answer = completion.Text
	return StateResponding, nil
}

func (w *Workflow) dispatch(ctx context.Context, t *turn) (State, error) {
	ctx, span := tracer.Start(ctx, "Workflow.ToolDispatch")
	defer span.End()

	// One round: every accepted call is answered, then the model is asked
	// for its final answer with tools disabled.
	results := make([]domain.Message, 0, len(t.calls))
	for _, call := range t.calls {
		report := scoring.Score(t.session.FinancialData)
		content, err := json.Marshal(report)
		if err != nil {
			return "", fmt.Errorf("encode score report: %w", err)
		}

		t.session.Append(call)
		results = append(results, domain.ToolResult{
			CallID:   call.CallID,
			ToolName: call.ToolName,
			Result:   string(content),
		})
		t.session.CreditScoreEstimate = &report
		t.result.ToolDispatches++

		w.metrics.IncrToolDispatch(call.ToolName, observability.DispatchOK)
		w.metrics.ObserveCreditScore(report.CreditScore)
		w.logger.Debug("tool dispatched",
			zap.String("session_id", t.session.ID),
			zap.String("tool", call.ToolName),
			zap.String("call_id", call.CallID),
			zap.Int("credit_score", report.CreditScore),
		)
	}
	t.session.Append(results...)
	span.SetAttributes(attribute.Int("tool.dispatches", len(t.calls)))

	completion, err := w.complete(ctx, t, domain.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	if len(completion.ToolCalls) > 0 {
		w.ignoreCalls(t.session.ID, completion.ToolCalls, "dispatch round already used")
	}
	t.answer = completion.Text
	return StateResponding, nil
}

func (w *Workflow) respond(t *turn) (State, error) {
	t.session.Append(domain.AssistantMessage{Text: t.answer})
	return StateDone, nil
}

func (w *Workflow) finish(ctx context.Context, t *turn) error {
	ctx, span := tracer.Start(ctx, "Workflow.Done")
	defer span.End()

	now := w.now()
	t.session.Turns++
	t.session.UpdatedAt = now

	if err := w.repo.Put(ctx, t.session); err != nil {
		return fmt.Errorf("save session %s: %w", t.session.ID, err)
	}
	t.result.Session = t.session
	t.result.ProcessedAt = now
	return nil
}

// ============================================================
// Helpers
// ============================================================

func (w *Workflow) complete(ctx context.Context, t *turn, choice domain.ToolChoice) (*domain.Completion, error) {
	completion, err := w.llm.Complete(ctx, &domain.CompletionRequest{
		SessionID:  t.session.ID,
		System:     systemPrompt,
		Messages:   t.session.Messages,
		Tools:      []domain.ToolDescriptor{creditCheckDescriptor},
		ToolChoice: choice,
	})
	if err != nil {
		w.metrics.IncrExternalError("llm")
		return nil, fmt.Errorf("language model: %w", err)
	}
	t.result.Usage = t.result.Usage.Add(completion.Usage)
	return completion, nil
}

// acceptedCalls keeps CreditCheck intents and drops the rest.
func (w *Workflow) acceptedCalls(sessionID string, calls []domain.ToolCall) []domain.ToolCall {
	var accepted, ignored []domain.ToolCall
	for _, call := range calls {
		if call.ToolName != domain.CreditCheckTool {
			ignored = append(ignored, call)
			continue
		}
		if call.CallID == "" {
			call.CallID = w.newID()
		}
		accepted = append(accepted, call)
	}
	if len(ignored) > 0 {
		w.ignoreCalls(sessionID, ignored, "unknown tool")
	}
	return accepted
}

func (w *Workflow) ignoreCalls(sessionID string, calls []domain.ToolCall, reason string) {
	for _, call := range calls {
		w.metrics.IncrToolDispatch(call.ToolName, observability.DispatchIgnored)
		w.logger.Info("tool call ignored",
			zap.String("session_id", sessionID),
			zap.String("tool", call.ToolName),
			zap.String("reason", reason),
		)
	}
}
