package service

import (
	"encoding/json"
	"fmt"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
)

const systemPrompt = `You are a highly knowledgeable financial advisor. A client is exploring "what-if" scenarios for their finances and credit score.

When you need the client's current credit score, call the CreditCheck tool; it scores the client's current financial data deterministically, so never estimate a score yourself. Keep answers concise and concrete, and refer to the client's actual numbers.`

// creditCheckDescriptor is the single tool offered to the model. The engine
// always scores the session's own data, so arguments are informational.
var creditCheckDescriptor = domain.ToolDescriptor{
	Name:        domain.CreditCheckTool,
	Description: "Calculates the client's credit score report (0-1000) from their current financial data: income, expenses, debts, credit limit, missed and late payments.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"financial_data": map[string]any{
				"type":        "object",
				"description": "The financial data to score. Omit to score the client's current data.",
			},
		},
	},
}

// recommendationPrompt is used when a turn carries no free-text message.
func recommendationPrompt(s *domain.Session) string {
	score := "not computed yet"
	if s.CreditScoreEstimate != nil {
		score = fmt.Sprintf("%d", s.CreditScoreEstimate.CreditScore)
	}
	return fmt.Sprintf(`The user's last known credit score is %s.
Their financial details are: %s.
Their personal details are: %s.

Provide exactly 3 actionable recommendations to improve their credit score and overall financial health, and state their current credit score.`,
		score, compactJSON(s.FinancialData), compactJSON(s.PersonalData))
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
