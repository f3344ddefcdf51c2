package handler

import (
	"net/http"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type scenarioRequest struct {
	SessionID     string         `json:"session_id"`
	FinancialData map[string]any `json:"financial_data"`
	PersonalData  map[string]any `json:"personal_data"`
	Message       string         `json:"message"`
}

type scoreRequest struct {
	FinancialData map[string]any `json:"financial_data"`
}

// ============================================================
// POST /v1/scenarios
// ============================================================

func scenarioHandler(wf *service.Workflow, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/scenarios")
		defer span.End()

		var req scenarioRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := domain.ValidateSessionID(req.SessionID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		turn := &domain.TurnRequest{
			SessionID: req.SessionID,
			Personal:  domain.PersonalData(req.PersonalData),
			Message:   req.Message,
		}
		if req.FinancialData != nil {
			update, err := domain.ParseFinancialUpdate(req.FinancialData)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			turn.Financial = update
		}
		span.SetAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.Bool("request.has_message", req.Message != ""),
		)

		result, err := wf.RunTurn(ctx, turn)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, domain.NewScenarioResponse(result))
	}
}

// ============================================================
// /v1/sessions/{sessionId}
// ============================================================

func getSessionHandler(wf *service.Workflow, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/sessions/{sessionId}")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		span.SetAttributes(attribute.String("session.id", sessionID))

		session, err := wf.GetSession(ctx, sessionID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.NewSessionView(session))
	}
}

func deleteSessionHandler(wf *service.Workflow, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/sessions/{sessionId}")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		span.SetAttributes(attribute.String("session.id", sessionID))

		if err := wf.DeleteSession(ctx, sessionID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ============================================================
// POST /v1/score
// ============================================================

func scoreHandler(scores *service.ScoreService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/score")
		defer span.End()

		var req scoreRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		data, err := domain.ParseFinancialData(req.FinancialData)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, scores.Score(ctx, data))
	}
}
